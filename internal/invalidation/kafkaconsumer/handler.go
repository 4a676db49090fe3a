package kafkaconsumer

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/IBM/sarama"
)

type messageProcessor func(context.Context, *sarama.ConsumerMessage) error

type groupHandler struct {
	process messageProcessor

	mu         sync.Mutex
	partitions []int32
	active     bool
}

func (h *groupHandler) Setup(s sarama.ConsumerGroupSession) error {
	var parts []int32
	for _, ps := range s.Claims() {
		parts = append(parts, ps...)
	}
	slices.Sort(parts)
	h.mu.Lock()
	h.partitions = parts
	h.active = true
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.mu.Lock()
	h.partitions = nil
	h.active = false
	h.mu.Unlock()
	return nil
}

func (h *groupHandler) state() (bool, []int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active, slices.Clone(h.partitions)
}

// ConsumeClaim marks a message only after it was processed; a failure ends
// the claim so the group rebalances and redelivers from the last mark.
func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("claim context done: %w", ctx.Err())
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.process(ctx, msg); err != nil {
				return fmt.Errorf("process failed (topic=%s, part=%d, off=%d): %w",
					msg.Topic, msg.Partition, msg.Offset, err)
			}
			sess.MarkMessage(msg, "")
		}
	}
}
