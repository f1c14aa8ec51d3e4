package entity

// Source identifies where a work item came from
type Source string

const (
	SourceFile  Source = "file"
	SourceEmail Source = "email"
)

// WorkItem is a unit of pending work discovered by a source
type WorkItem struct {
	Key          string `json:"key"`
	Source       Source `json:"source"`
	DocumentPath string `json:"document_path"`
}
