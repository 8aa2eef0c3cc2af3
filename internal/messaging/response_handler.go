// Package messaging connects message transports to the flow engine.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OnboardPipe/internal/flow"
	"github.com/BTreeMap/OnboardPipe/internal/models"
)

// MessageHandler processes one inbound message and returns the reply to send.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg models.InboundMessage) (*flow.Reply, error)
}

// ResponseHandler routes inbound transport messages to the engine and delivers its replies.
type ResponseHandler struct {
	handler    MessageHandler
	msgService Service
	// fallbackMessage is sent when the engine fails outright.
	fallbackMessage string
}

// NewResponseHandler creates a ResponseHandler.
func NewResponseHandler(handler MessageHandler, msgService Service) *ResponseHandler {
	return &ResponseHandler{
		handler:         handler,
		msgService:      msgService,
		fallbackMessage: flow.TechnicalApology,
	}
}

// SetFallbackMessage replaces the text sent when the engine returns an error.
func (rh *ResponseHandler) SetFallbackMessage(message string) {
	rh.fallbackMessage = message
}

// ProcessResponse runs one inbound message through the engine and sends the reply, if any.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: invalid sender", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	msg := models.InboundMessage{UserID: from, Text: response.Body}
	if response.Time > 0 {
		msg.ReceivedAt = time.Unix(response.Time, 0).UTC()
	}

	reply, err := rh.handler.HandleMessage(ctx, msg)
	if err != nil {
		slog.Error("ResponseHandler.ProcessResponse: engine failed", "error", err, "userID", from)
		if sendErr := rh.msgService.SendMessage(ctx, from, rh.fallbackMessage); sendErr != nil {
			slog.Error("ResponseHandler.ProcessResponse: fallback send failed", "error", sendErr, "userID", from)
		}
		return fmt.Errorf("handle message: %w", err)
	}
	if reply == nil || reply.Silent || reply.Text == "" {
		slog.Debug("ResponseHandler.ProcessResponse: nothing to send", "userID", from)
		return nil
	}
	if err := rh.msgService.SendMessage(ctx, from, reply.Text); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}
	slog.Info("ResponseHandler.ProcessResponse: reply sent", "userID", from, "flowID", reply.FlowID, "stage", reply.Stage)
	return nil
}

// Start consumes the service's inbound channel until ctx is done or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	slog.Info("ResponseHandler starting response processing")
	go func() {
		defer slog.Info("ResponseHandler stopped response processing")
		for {
			select {
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					return
				}
				if err := rh.ProcessResponse(ctx, response); err != nil {
					slog.Error("ResponseHandler failed to process response", "error", err, "from", response.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}
