package workflow

import (
	"context"
	"fmt"
)

// GuardFunc is a function that evaluates whether a transition should be allowed
type GuardFunc func(ctx context.Context) bool

// StateMachineBuilder builds a configured state machine
type StateMachineBuilder interface {
	// Configure returns a stage configuration for the given stage
	Configure(stage Stage) StageConfiguration

	// Build creates a new state machine instance with the given initial stage
	Build(initialStage Stage) StateMachine
}

// StageConfiguration configures transitions for a specific stage
type StageConfiguration interface {
	// Permit allows a trigger to transition to the target stage
	Permit(trigger Trigger, toStage Stage) StageConfiguration

	// PermitIf allows a trigger to transition to the target stage if the guard condition passes
	PermitIf(trigger Trigger, toStage Stage, guard GuardFunc) StageConfiguration
}

// transition represents a stage transition with optional guard
type transition struct {
	toStage Stage
	guard   GuardFunc
}

// stageConfig implements StageConfiguration
type stageConfig struct {
	builder     *stateMachineBuilder
	fromStage   Stage
	transitions map[Trigger][]transition
}

// stateMachineBuilder implements StateMachineBuilder
type stateMachineBuilder struct {
	configurations map[Stage]*stageConfig
}

// stateMachine implements StateMachine
type stateMachine struct {
	currentStage   Stage
	configurations map[Stage]*stageConfig
}

// NewBuilder creates a new state machine builder
func NewBuilder() StateMachineBuilder {
	return &stateMachineBuilder{
		configurations: make(map[Stage]*stageConfig),
	}
}

// Configure returns a stage configuration for the given stage
func (b *stateMachineBuilder) Configure(stage Stage) StageConfiguration {
	if !stage.IsValid() {
		panic(fmt.Sprintf("invalid stage: %s", stage))
	}

	config, exists := b.configurations[stage]
	if !exists {
		config = &stageConfig{
			builder:     b,
			fromStage:   stage,
			transitions: make(map[Trigger][]transition),
		}
		b.configurations[stage] = config
	}

	return config
}

// Build creates a new state machine instance with the given initial stage
func (b *stateMachineBuilder) Build(initialStage Stage) StateMachine {
	if !initialStage.IsValid() {
		panic(fmt.Sprintf("invalid initial stage: %s", initialStage))
	}

	// Deep copy configurations so built machines are independent of the builder
	configsCopy := make(map[Stage]*stageConfig)
	for stage, config := range b.configurations {
		transitionsCopy := make(map[Trigger][]transition)
		for trigger, transitions := range config.transitions {
			transitionsCopy[trigger] = append([]transition{}, transitions...)
		}
		configsCopy[stage] = &stageConfig{
			builder:     nil,
			fromStage:   stage,
			transitions: transitionsCopy,
		}
	}

	return &stateMachine{
		currentStage:   initialStage,
		configurations: configsCopy,
	}
}

// Permit allows a trigger to transition to the target stage
func (c *stageConfig) Permit(trigger Trigger, toStage Stage) StageConfiguration {
	return c.PermitIf(trigger, toStage, nil)
}

// PermitIf allows a trigger to transition to the target stage if the guard condition passes
func (c *stageConfig) PermitIf(trigger Trigger, toStage Stage, guard GuardFunc) StageConfiguration {
	if !toStage.IsValid() {
		panic(fmt.Sprintf("invalid target stage: %s", toStage))
	}

	c.transitions[trigger] = append(c.transitions[trigger], transition{
		toStage: toStage,
		guard:   guard,
	})

	return c
}

// Stage returns the current stage
func (m *stateMachine) Stage() Stage {
	return m.currentStage
}

// CanFire returns true if the trigger is permitted in the current stage
func (m *stateMachine) CanFire(trigger Trigger) bool {
	config, exists := m.configurations[m.currentStage]
	if !exists {
		return false
	}

	transitions, exists := config.transitions[trigger]
	if !exists || len(transitions) == 0 {
		return false
	}

	// Guards need a context to evaluate, so any configured transition counts
	return true
}

// Fire attempts to execute the trigger, transitioning to the new stage if allowed
func (m *stateMachine) Fire(ctx context.Context, trigger Trigger) error {
	config, exists := m.configurations[m.currentStage]
	if !exists {
		return fmt.Errorf("%w: cannot fire trigger %s from stage %s (no configuration)", ErrInvalidTransition, trigger, m.currentStage)
	}

	transitions, exists := config.transitions[trigger]
	if !exists || len(transitions) == 0 {
		return fmt.Errorf("%w: cannot fire trigger %s from stage %s", ErrInvalidTransition, trigger, m.currentStage)
	}

	// Try each transition in order until one succeeds
	for _, t := range transitions {
		if t.guard == nil || t.guard(ctx) {
			m.currentStage = t.toStage
			return nil
		}
	}

	// All guards failed
	return fmt.Errorf("%w: trigger %s from stage %s", ErrGuardFailed, trigger, m.currentStage)
}

// PermittedTriggers returns all triggers that can be fired in the current stage
func (m *stateMachine) PermittedTriggers() []Trigger {
	config, exists := m.configurations[m.currentStage]
	if !exists {
		return []Trigger{}
	}

	triggers := make([]Trigger, 0, len(config.transitions))
	for trigger := range config.transitions {
		triggers = append(triggers, trigger)
	}

	return triggers
}
