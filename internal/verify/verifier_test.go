package verify

import (
	"fmt"
	"testing"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRootID = "om_root"

func strPtr(s string) *string { return &s }

func threadMessage(rootID, senderType, createTime, text string) *larkim.Message {
	return &larkim.Message{
		RootId:     strPtr(rootID),
		CreateTime: strPtr(createTime),
		Sender:     &larkim.Sender{SenderType: strPtr(senderType)},
		Body:       &larkim.MessageBody{Content: strPtr(fmt.Sprintf(`{"text":%q}`, text))},
	}
}

func TestPickReply_MarkerBoundary(t *testing.T) {
	tests := []struct {
		name       string
		createTime string
		marker     int64
		want       bool
	}{
		{"older than marker", "900", 1000, false},
		{"exactly at marker", "1000", 1000, false},
		{"newer than marker", "1001", 1000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := []*larkim.Message{
				threadMessage(testRootID, "user", tt.createTime, "approve"),
			}
			reply := pickReply(items, testRootID, tt.marker)
			if !tt.want {
				assert.Nil(t, reply)
				return
			}
			require.NotNil(t, reply)
			assert.Equal(t, "approve", reply.Text)
		})
	}
}

func TestPickReply_SkipsOtherThreadsAndBotMessages(t *testing.T) {
	items := []*larkim.Message{
		threadMessage("om_other", "user", "1500", "wrong thread"),
		threadMessage(testRootID, "app", "1600", "bot follow-up"),
		threadMessage(testRootID, "user", "1700", "the real reply"),
	}

	reply := pickReply(items, testRootID, 1000)
	require.NotNil(t, reply)
	assert.Equal(t, "the real reply", reply.Text)
	assert.Equal(t, int64(1700), reply.Marker)
}

func TestPickReply_ReturnsOldestUnseen(t *testing.T) {
	// The list API returns newest-first; the oldest unseen reply wins so
	// messages are handled in the order the human sent them
	items := []*larkim.Message{
		threadMessage(testRootID, "user", "3000", "second correction"),
		threadMessage(testRootID, "user", "2000", "first correction"),
	}

	reply := pickReply(items, testRootID, 1000)
	require.NotNil(t, reply)
	assert.Equal(t, "first correction", reply.Text)
	assert.Equal(t, int64(2000), reply.Marker)
}

func TestPickReply_IgnoresEmptyAndMalformedBodies(t *testing.T) {
	items := []*larkim.Message{
		{
			RootId:     strPtr(testRootID),
			CreateTime: strPtr("1500"),
			Sender:     &larkim.Sender{SenderType: strPtr("user")},
			Body:       &larkim.MessageBody{Content: strPtr("not json")},
		},
		threadMessage(testRootID, "user", "1600", ""),
	}

	assert.Nil(t, pickReply(items, testRootID, 1000))
}
