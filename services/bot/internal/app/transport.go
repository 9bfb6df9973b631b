package app

import "context"

// Sender delivers outbound payloads to a user.
type Sender interface {
	SendText(ctx context.Context, userID int64, text string) error
	SendTextWithKeyboard(ctx context.Context, userID int64, text string, buttons []string) error
	// SendDocument uploads the file at path. The caller keeps ownership of the
	// file and removes it afterwards.
	SendDocument(ctx context.Context, userID int64, path string) error
}

// InboundHandler consumes one inbound message.
type InboundHandler func(ctx context.Context, in Inbound)

// Receiver feeds inbound messages to a handler until ctx is done.
type Receiver interface {
	Run(ctx context.Context, handle InboundHandler) error
}
