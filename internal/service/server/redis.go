package server

import (
	"context"
	"encoding/json"
	"fmt"
)

func deliveryQueueKey(to string) string {
	return fmt.Sprintf("deliver:%s", to)
}

// QueueDelivery appends a guard-accepted delivery to the recipient's offline
// queue.
func (s *HttpServer) QueueDelivery(ctx context.Context, to string, d *Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.redisService.RPush(ctx, deliveryQueueKey(to), data)
}

// TakeQueuedDeliveries drains the recipient's offline queue.
func (s *HttpServer) TakeQueuedDeliveries(ctx context.Context, to string) ([]*Delivery, error) {
	key := deliveryQueueKey(to)
	vals, err := s.redisService.LRange(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := s.redisService.Del(ctx, key); err != nil {
		return nil, err
	}

	var res []*Delivery
	for _, v := range vals {
		var d Delivery
		if err := json.Unmarshal([]byte(v), &d); err != nil {
			return nil, err
		}
		res = append(res, &d)
	}
	return res, nil
}
