package telegram

import (
	"context"
	"fmt"
	"time"

	"github.com/arseniisemenow/school-tg-tt-bot-sub000/src/platform/health"
)

const (
	PingTargetName               = "telegram"
	pingShallowAcceptableLatency = 2 * time.Second
	pingDeepAcceptableLatency    = 4 * time.Second

	pendingBacklogAcceptedThreshold = 100
)

func (c *Client) PingShallow(ctx context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthShallow)

	_, err := c.GetMe(ctx)
	pingResult.StoreComputedLatency(pingShallowAcceptableLatency)

	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("failed to call getMe: %v", err),
		)
	}
	return pingResult
}

func (c *Client) PingDeep(ctx context.Context) health.PingResult {
	pingResult := health.NewHealthyPingResult(PingTargetName, health.PingDepthDeep)

	_, err := c.GetMe(ctx)
	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("failed to call getMe: %v", err),
		)
		return pingResult
	}

	info, err := c.GetWebhookInfo(ctx)
	pingResult.StoreComputedLatency(pingDeepAcceptableLatency)
	if err != nil {
		pingResult.SetPingOutput(
			health.PingCauseFromRequestError(err),
			fmt.Sprintf("failed to call getWebhookInfo: %v", err),
		)
		return pingResult
	}

	// A growing backlog means updates arrive faster than they are
	// consumed, in either delivery mode.
	if info.PendingUpdateCount > pendingBacklogAcceptedThreshold {
		pingResult.SetPingOutput(
			health.PingCauseOverloaded,
			fmt.Sprintf("update backlog at %d pending", info.PendingUpdateCount),
		)
		return pingResult
	}

	if info.URL != "" && info.LastErrorMessage != "" {
		lastErrorAt := time.Unix(info.LastErrorDate, 0)
		if time.Since(lastErrorAt) < 5*time.Minute {
			pingResult.SetPingOutput(
				health.PingCauseUnstable,
				fmt.Sprintf("webhook deliveries failing since %s: %s", lastErrorAt.Format(time.RFC3339), info.LastErrorMessage),
			)
		}
	}
	return pingResult
}
