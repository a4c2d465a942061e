package telephony

import (
	"context"
	"fmt"
	"time"

	"github.com/relaymesh/relay-voice-engine/pkg/logger"
	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Call status values understood by the provider REST API.
const (
	CallStatusCompleted = "completed"
)

// CallController issues REST commands against the telephony provider: ending
// live calls and placing outbound ones. The media path never goes through
// here; only control-plane actions do.
type CallController interface {
	Hangup(ctx context.Context, callSID string) error
	Dial(ctx context.Context, to, from, twimlURL, statusCallbackURL string) (string, error)
	IsEnabled() bool
}

// TwilioCallController implements CallController with the Twilio REST API
type TwilioCallController struct {
	client   *twilio.RestClient
	callerID string
	enabled  bool
	limiter  *rate.Limiter
}

// NewTwilioCallController creates a new Twilio call controller
// If accountSID or authToken is empty, the controller will be disabled
func NewTwilioCallController(accountSID, authToken, callerID string) *TwilioCallController {
	if accountSID == "" || authToken == "" {
		logger.Base().Warn("Twilio credentials not provided, call control disabled")
		return &TwilioCallController{enabled: false}
	}

	return &TwilioCallController{
		client:   twilio.NewRestClientWithParams(twilio.ClientParams{Username: accountSID, Password: authToken}),
		callerID: callerID,
		enabled:  true,
		limiter:  rate.NewLimiter(rate.Limit(10), 20),
	}
}

// Hangup ends a live call on the provider side. The command is issued at
// most twice: the initial attempt plus one retry after a short pause. The
// caller proceeds with local teardown regardless of the outcome.
func (c *TwilioCallController) Hangup(ctx context.Context, callSID string) error {
	if !c.enabled {
		return fmt.Errorf("call control is disabled")
	}
	if callSID == "" {
		return fmt.Errorf("call SID cannot be empty")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("hangup rate limit wait: %w", err)
	}

	params := &api.UpdateCallParams{}
	params.SetStatus(CallStatusCompleted)

	_, err := c.client.Api.UpdateCall(callSID, params)
	if err == nil {
		logger.Base().Info("Remote hangup issued", zap.String("call_sid", callSID))
		return nil
	}

	logger.Base().Warn("Remote hangup failed, retrying once",
		zap.String("call_sid", callSID),
		zap.Error(err))

	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
		return fmt.Errorf("hangup retry aborted: %w", ctx.Err())
	}

	if _, err = c.client.Api.UpdateCall(callSID, params); err != nil {
		return fmt.Errorf("hangup command failed after retry: %w", err)
	}

	logger.Base().Info("Remote hangup issued on retry", zap.String("call_sid", callSID))
	return nil
}

// Dial places an outbound call that connects back to the engine via the
// TwiML URL. Returns the provider call SID.
func (c *TwilioCallController) Dial(ctx context.Context, to, from, twimlURL, statusCallbackURL string) (string, error) {
	if !c.enabled {
		return "", fmt.Errorf("call control is disabled")
	}
	if to == "" {
		return "", fmt.Errorf("destination number cannot be empty")
	}
	if from == "" {
		from = c.callerID
	}
	if from == "" {
		return "", fmt.Errorf("no caller ID configured for outbound call")
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("dial rate limit wait: %w", err)
	}

	params := &api.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetUrl(twimlURL)
	if statusCallbackURL != "" {
		params.SetStatusCallback(statusCallbackURL)
		params.SetStatusCallbackEvent([]string{"completed"})
	}

	resp, err := c.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("failed to create outbound call: %w", err)
	}
	if resp.Sid == nil {
		return "", fmt.Errorf("outbound call created without SID")
	}

	logger.Base().Info("Outbound call created",
		zap.String("call_sid", *resp.Sid),
		zap.String("to", to))
	return *resp.Sid, nil
}

// IsEnabled returns whether the controller is enabled
func (c *TwilioCallController) IsEnabled() bool {
	return c.enabled
}
