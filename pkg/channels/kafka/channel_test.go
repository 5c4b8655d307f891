package kafka

import (
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"

	"github.com/dukex/swarmflow/pkg/events"
)

func TestParseBrokers(t *testing.T) {
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092, ,b:9092 "))
	assert.Empty(t, ParseBrokers(""))
}

func TestCreateChannel_NoBrokers(t *testing.T) {
	_, _, err := CreateChannel(watermill.NopLogger{}, nil, "worker")

	assert.ErrorIs(t, err, ErrNoBrokers)
}

func TestPartitionKey(t *testing.T) {
	msg := message.NewMessage("m1", nil)

	key, err := PartitionKey(events.Topic, msg)
	assert.NoError(t, err)
	assert.Equal(t, "m1", key)

	msg.Metadata.Set(events.EventMetadataKey, "swarm-1")

	key, err = PartitionKey(events.Topic, msg)
	assert.NoError(t, err)
	assert.Equal(t, "swarm-1", key)
}
