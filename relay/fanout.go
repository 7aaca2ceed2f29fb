package relay

import (
	"context"
)

// fanout delivers stamped envelopes to a room's members. With redis
// configured, envelopes round-trip through a per-room pub/sub channel, which
// also exposes the stamped stream to outside subscribers; otherwise delivery
// is direct and in-process. Either way, publishes happen under the room
// lock, which preserves the room's single total order.
type fanout struct {
	srv     *Server
	r       *room
	channel string
	cancel  context.CancelFunc
}

func fanoutChannel(roomID string) string {
	return "collab:room:" + roomID
}

func newFanout(s *Server, r *room) *fanout {
	f := &fanout{srv: s, r: r, channel: fanoutChannel(r.id)}
	if s.rdb == nil {
		return f
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	pubsub := s.rdb.Subscribe(ctx, f.channel)
	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				r.deliverLocal([]byte(msg.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()
	return f
}

// publishLocked fans out one envelope. The caller holds the room lock.
func (f *fanout) publishLocked(data []byte) {
	if f.srv.rdb == nil {
		f.r.deliverLocalLocked(data)
		return
	}
	if err := f.srv.rdb.Publish(context.Background(), f.channel, data).Err(); err != nil {
		f.srv.log.Error("fanout publish failed", "room", f.r.id, "err", err)
	}
}

func (f *fanout) close() {
	if f.cancel != nil {
		f.cancel()
	}
}
