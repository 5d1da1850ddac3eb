package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"dispatchdesk/internal/classifier"
	"dispatchdesk/internal/directory"
	"dispatchdesk/internal/incident"
	"dispatchdesk/internal/session"
)

// ToolDefinition is one entry of the model's closed tool set.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCall is one invocation request from the model.
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// Dispatcher sends an incident out to a vendor. internal/dispatch provides
// the SMS-backed implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, inc incident.Incident) (directory.Vendor, error)
}

// Notifier pushes dashboard events. The notify hub satisfies this.
type Notifier interface {
	Broadcast(accountID, eventType string, payload any)
}

// ErrUnknownTool means the model asked for a tool outside the closed set.
var ErrUnknownTool = errors.New("relay: unknown tool")

// Toolbox executes the model's tool calls against the real services. Every
// handler returns a JSON-marshalable result; a failed call is reported back
// to the model as {"error": ...}, never as a dropped response.
type Toolbox struct {
	Directory  directory.Store
	Incidents  *incident.Service
	Dispatcher Dispatcher
	Notify     Notifier
}

// Invoke runs one tool call for the given session. The second return value
// is the session event the call implies, if any; the relay submits it after
// a successful invocation.
func (t *Toolbox) Invoke(ctx context.Context, sess session.CallSession, call ToolCall) (any, *session.Event, error) {
	switch call.Name {
	case "record_intent":
		return t.recordIntent(call)
	case "lookup_property":
		return t.lookupProperty(ctx, sess, call)
	case "lookup_unit":
		return t.lookupUnit(ctx, sess, call)
	case "classify_issue":
		return t.classifyIssue(call)
	case "create_incident":
		return t.createIncident(ctx, sess, call)
	case "dispatch_vendor":
		return t.dispatchVendor(ctx, sess, call)
	case "transfer_to_human":
		return t.transferToHuman(call)
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownTool, call.Name)
	}
}

func (t *Toolbox) recordIntent(call ToolCall) (any, *session.Event, error) {
	var args struct {
		Intent string `json:"intent"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	if args.Intent == "" {
		return nil, nil, errors.New("relay: intent required")
	}
	ev := &session.Event{Kind: session.KindIntentDetected, Data: session.EventData{Intent: args.Intent}}
	return map[string]string{"intent": args.Intent}, ev, nil
}

func (t *Toolbox) lookupProperty(ctx context.Context, sess session.CallSession, call ToolCall) (any, *session.Event, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	properties, err := t.Directory.ListProperties(ctx, sess.AccountID)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: list properties: %w", err)
	}
	match := matchProperty(properties, args.Query)
	if match == nil {
		return nil, nil, fmt.Errorf("relay: no property matches %q", args.Query)
	}
	ev := &session.Event{Kind: session.KindPropertyResolved, Data: session.EventData{PropertyID: match.ID}}
	return map[string]string{
		"property_id": match.ID,
		"name":        match.Name,
		"address":     match.Address,
	}, ev, nil
}

func (t *Toolbox) lookupUnit(ctx context.Context, sess session.CallSession, call ToolCall) (any, *session.Event, error) {
	var args struct {
		PropertyID string `json:"property_id"`
		Unit       string `json:"unit"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	if args.PropertyID == "" {
		args.PropertyID = sess.PropertyID
	}
	if args.PropertyID == "" {
		return nil, nil, errors.New("relay: property must be resolved before the unit")
	}
	unit, err := t.Directory.FindUnit(ctx, sess.AccountID, args.PropertyID, args.Unit)
	if err != nil {
		return nil, nil, fmt.Errorf("relay: no unit %q at that property", args.Unit)
	}
	ev := &session.Event{Kind: session.KindPropertyResolved, Data: session.EventData{
		PropertyID: args.PropertyID,
		UnitID:     unit.ID,
	}}
	return map[string]string{"unit_id": unit.ID, "label": unit.Label}, ev, nil
}

func (t *Toolbox) classifyIssue(call ToolCall) (any, *session.Event, error) {
	var args struct {
		Description string `json:"description"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	res := classifier.Classify(args.Description)
	ev := &session.Event{Kind: session.KindInfoCollected, Data: session.EventData{
		Trade:    res.Trade,
		Severity: res.Severity,
	}}
	return res, ev, nil
}

func (t *Toolbox) createIncident(ctx context.Context, sess session.CallSession, call ToolCall) (any, *session.Event, error) {
	var args struct {
		Description string `json:"description"`
		Trade       string `json:"trade"`
		Severity    string `json:"severity"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	if args.Trade == "" {
		args.Trade = sess.Trade
	}
	if args.Severity == "" {
		args.Severity = sess.Severity
	}
	inc, err := t.Incidents.Create(ctx, incident.CreateParams{
		AccountID:    sess.AccountID,
		SessionID:    sess.ID,
		PropertyID:   sess.PropertyID,
		UnitID:       sess.UnitID,
		CallerNumber: sess.CallerNumber,
		Trade:        args.Trade,
		Severity:     args.Severity,
		Description:  args.Description,
	})
	if err != nil {
		return nil, nil, err
	}
	// A session that already carries an incident id is a replayed call;
	// the dashboard heard about the ticket the first time around.
	if t.Notify != nil && sess.IncidentID == "" {
		t.Notify.Broadcast(sess.AccountID, "new_incident", inc)
	}
	ev := &session.Event{Kind: session.KindActionExecuted, Data: session.EventData{IncidentID: inc.ID}}
	return map[string]string{"incident_id": inc.ID, "status": string(inc.Status)}, ev, nil
}

func (t *Toolbox) dispatchVendor(ctx context.Context, sess session.CallSession, call ToolCall) (any, *session.Event, error) {
	var args struct {
		IncidentID string `json:"incident_id"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	if args.IncidentID == "" {
		args.IncidentID = sess.IncidentID
	}
	if args.IncidentID == "" {
		return nil, nil, errors.New("relay: create the incident before dispatching")
	}
	inc, err := t.Incidents.Store().Get(ctx, sess.AccountID, args.IncidentID)
	if err != nil {
		return nil, nil, err
	}
	vendor, err := t.Dispatcher.Dispatch(ctx, inc)
	if err != nil {
		return nil, nil, err
	}
	return map[string]string{
		"vendor":  vendor.Name,
		"status":  "offer_sent",
		"message": "The vendor has been texted and asked to confirm.",
	}, nil, nil
}

func (t *Toolbox) transferToHuman(call ToolCall) (any, *session.Event, error) {
	var args struct {
		Location string `json:"location"`
	}
	if err := decodeArgs(call.Arguments, &args); err != nil {
		return nil, nil, err
	}
	ev := &session.Event{Kind: session.KindTransferRequested, Data: session.EventData{LocationName: args.Location}}
	return map[string]string{"status": "transferring"}, ev, nil
}

func decodeArgs(raw json.RawMessage, into any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return fmt.Errorf("relay: bad tool arguments: %w", err)
	}
	return nil
}

func matchProperty(properties []directory.Property, query string) *directory.Property {
	want := strings.ToLower(strings.TrimSpace(query))
	if want == "" {
		return nil
	}
	for i := range properties {
		names := append([]string{properties[i].Name}, properties[i].Aliases...)
		for _, n := range names {
			n = strings.ToLower(n)
			if n == want || strings.Contains(n, want) || strings.Contains(want, n) {
				return &properties[i]
			}
		}
	}
	return nil
}

// Definitions is the closed tool set advertised to the model.
func Definitions() []ToolDefinition {
	obj := func(props map[string]any, required ...string) map[string]any {
		s := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			s["required"] = required
		}
		return s
	}
	str := func(desc string) map[string]any {
		return map[string]any{"type": "string", "description": desc}
	}

	return []ToolDefinition{
		{
			Name:        "record_intent",
			Description: "Record why the caller is calling, as soon as it is clear.",
			Parameters:  obj(map[string]any{"intent": str("Short label such as maintenance, leasing, billing.")}, "intent"),
		},
		{
			Name:        "lookup_property",
			Description: "Resolve the building the caller lives in by its spoken name.",
			Parameters:  obj(map[string]any{"query": str("The property name as the caller said it.")}, "query"),
		},
		{
			Name:        "lookup_unit",
			Description: "Resolve the caller's unit inside an already resolved property.",
			Parameters: obj(map[string]any{
				"property_id": str("Property id from lookup_property."),
				"unit":        str("Unit designation such as 4B."),
			}, "unit"),
		},
		{
			Name:        "classify_issue",
			Description: "Classify a maintenance issue into a trade and severity.",
			Parameters:  obj(map[string]any{"description": str("The issue in the caller's words.")}, "description"),
		},
		{
			Name:        "create_incident",
			Description: "Open a maintenance ticket once the issue and location are known.",
			Parameters: obj(map[string]any{
				"description": str("Summary of the issue."),
				"trade":       str("Trade from classify_issue."),
				"severity":    str("Severity from classify_issue."),
			}, "description"),
		},
		{
			Name:        "dispatch_vendor",
			Description: "Send the open ticket to an on-call vendor over SMS.",
			Parameters:  obj(map[string]any{"incident_id": str("Ticket id from create_incident.")}),
		},
		{
			Name:        "transfer_to_human",
			Description: "Hand the call to office staff when the caller asks for a person.",
			Parameters:  obj(map[string]any{"location": str("The office the caller asked for, if any.")}),
		},
	}
}
