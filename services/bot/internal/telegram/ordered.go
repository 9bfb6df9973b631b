package telegram

import (
	"context"
	"sync"

	"formbot/services/bot/internal/app"
)

// chatQueue runs the handler for one chat at a time and in arrival order.
// Different chats drain in parallel. A chat's goroutine exits once its
// queue is empty.
type chatQueue struct {
	mu      sync.Mutex
	pending map[int64][]app.Inbound
	wg      sync.WaitGroup
}

func newChatQueue() *chatQueue {
	return &chatQueue{pending: make(map[int64][]app.Inbound)}
}

func (q *chatQueue) submit(ctx context.Context, handle app.InboundHandler, in app.Inbound) {
	q.mu.Lock()
	defer q.mu.Unlock()
	queued, draining := q.pending[in.UserID]
	q.pending[in.UserID] = append(queued, in)
	if draining {
		return
	}
	q.wg.Add(1)
	go q.drain(ctx, handle, in.UserID)
}

func (q *chatQueue) drain(ctx context.Context, handle app.InboundHandler, chatID int64) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		queued := q.pending[chatID]
		if len(queued) == 0 {
			delete(q.pending, chatID)
			q.mu.Unlock()
			return
		}
		in := queued[0]
		q.pending[chatID] = queued[1:]
		q.mu.Unlock()

		handle(ctx, in)
	}
}

// wait blocks until every submitted message has been handled.
func (q *chatQueue) wait() {
	q.wg.Wait()
}
