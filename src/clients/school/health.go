package school

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/health"
)

const (
	PingTargetName               = "school"
	pingShallowAcceptableLatency = 5 * time.Millisecond
	pingDeepAcceptableLatency    = 2 * time.Second

	// Reserved probe nickname; a 404 proves the API answered.
	pingProbeNickname = "healthcheck-probe"
)

// PingShallow reports the token-cache state without a network round trip.
func (c *Client) PingShallow(_ context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthShallow)
	pingResult.StoreComputedLatency(pingShallowAcceptableLatency)

	if !c.hasFreshToken() {
		pingResult.SetPingOutput(
			health.PingCauseUnstable,
			"no fresh access token cached, next lookup pays the token round trip",
		)
	}
	return pingResult
}

// PingDeep performs a probe lookup against the participants endpoint.
func (c *Client) PingDeep(ctx context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthDeep)

	_, err := c.GetParticipant(ctx, pingProbeNickname)
	pingResult.StoreComputedLatency(pingDeepAcceptableLatency)

	if err != nil && !errors.Is(err, ErrParticipantNotFound) {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("probe lookup against school API failed: %v", err),
		)
	}
	return pingResult
}
