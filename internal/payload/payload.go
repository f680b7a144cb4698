// Package payload builds tenant-specific outbound webhook envelopes.
// Builders are selected by tenant type through an explicit dispatch
// table validated at startup, not discovered by iteration.
package payload

import (
	"fmt"
	"html"
	"strconv"
	"time"

	"github.com/google/uuid"

	"schedflow/internal/domain"
)

// Payload is the outbound envelope: headers plus a JSON-encodable body.
type Payload struct {
	Headers map[string]string
	Body    map[string]any
}

// Input carries everything a builder needs.
type Input struct {
	Task       domain.Task
	Tenant     domain.Tenant
	User       domain.User
	Membership domain.Membership
	AuthHeader string
	Now        time.Time
}

// BuilderFunc builds the envelope for one tenant type.
type BuilderFunc func(Input) Payload

// Registry maps tenant types to builders.
type Registry struct {
	builders map[domain.TenantType]BuilderFunc
}

// NewRegistry returns the default registry covering every known tenant
// type. The exhaustiveness check runs here so a missing builder is a
// startup error rather than a runtime execution failure.
func NewRegistry() (*Registry, error) {
	r := &Registry{builders: map[domain.TenantType]BuilderFunc{
		domain.TenantMsTeams: buildMsTeams,
		domain.TenantWeb:     buildWeb,
	}}
	for _, tt := range []domain.TenantType{domain.TenantMsTeams, domain.TenantWeb} {
		if r.builders[tt] == nil {
			return nil, fmt.Errorf("no payload builder registered for tenant type %q", tt)
		}
	}
	return r, nil
}

// Build selects the builder for the tenant type and runs it.
func (r *Registry) Build(tt domain.TenantType, in Input) (Payload, error) {
	b, ok := r.builders[tt]
	if !ok {
		return Payload{}, fmt.Errorf("no payload builder found for tenant type %q", tt)
	}
	return b(in), nil
}

func baseHeaders(authHeader string) map[string]string {
	return map[string]string{
		"authorization": authHeader,
		"Content-Type":  "application/json",
	}
}

const isoMillis = "2006-01-02T15:04:05.000Z"

// buildMsTeams emits a Bot Framework activity as a Teams client would
// produce for an incoming message.
func buildMsTeams(in Input) Payload {
	ts := in.Now.UTC().Format(isoMillis)
	conversationID := "a:" + uuid.NewString()
	messageID := strconv.FormatInt(in.Now.UnixMilli(), 10)
	workflowUserID := ""
	if in.Membership.WorkflowUserID != nil {
		workflowUserID = *in.Membership.WorkflowUserID
	}

	return Payload{
		Headers: baseHeaders(in.AuthHeader),
		Body: map[string]any{
			"text":       in.Task.Prompt,
			"textFormat": "plain",
			"attachments": []map[string]any{
				{
					"contentType": "text/html",
					"content":     "<p>" + html.EscapeString(in.Task.Prompt) + "</p>",
				},
			},
			"type":           "message",
			"timestamp":      ts,
			"localTimestamp": ts,
			"id":             messageID,
			"channelId":      "msteams",
			"serviceUrl":     "https://smba.trafficmanager.net/de/" + in.Tenant.UUID + "/",
			"from": map[string]any{
				"id":          "29:scheduled-task-" + in.Task.UUID,
				"name":        in.User.DisplayName(),
				"aadObjectId": workflowUserID,
			},
			"conversation": map[string]any{
				"conversationType": "personal",
				"tenantId":         in.Tenant.UUID,
				"id":               conversationID,
			},
			"recipient": map[string]any{
				"id":   "28:scheduled-task-worker",
				"name": "Schedflow Scheduled Task",
			},
			"entities": []map[string]any{
				{
					"locale":   "en-US",
					"country":  "US",
					"platform": "Web",
					"timezone": "Europe/Berlin",
					"type":     "clientInfo",
				},
			},
			"channelData": map[string]any{
				"tenant": map[string]any{"id": in.Tenant.UUID},
			},
			"locale":        "en-US",
			"localTimezone": "Europe/Berlin",
			"callerId":      "urn:botframework:azure",
		},
	}
}

// buildWeb emits the generic envelope for web tenants.
func buildWeb(in Input) Payload {
	workflowUserID := ""
	if in.Membership.WorkflowUserID != nil {
		workflowUserID = *in.Membership.WorkflowUserID
	}
	return Payload{
		Headers: baseHeaders(in.AuthHeader),
		Body: map[string]any{
			"text":      in.Task.Prompt,
			"type":      "message",
			"timestamp": in.Now.UTC().Format(isoMillis),
			"from": map[string]any{
				"id":    workflowUserID,
				"name":  in.User.DisplayName(),
				"email": in.User.Email,
			},
			"organisation": map[string]any{
				"id":   in.Tenant.UUID,
				"name": in.Tenant.Name,
			},
			"scheduledTask": map[string]any{
				"uuid": in.Task.UUID,
				"name": in.Task.Name,
			},
		},
	}
}
