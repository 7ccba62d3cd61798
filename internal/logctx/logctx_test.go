package logctx

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestHandlerAddsContextGroups(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(Handler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := WithNotificationData(context.Background(), &NotificationData{ID: "1700", EventID: "5-0", Topic: "push"})
	ctx = WithRouteData(ctx, &RouteData{Path: "/dashboard", State: "checking"})
	log.With("component", "test").InfoContext(ctx, "delivery.push.ok")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	notif, ok := line["notif"].(map[string]any)
	if !ok || notif["id"] != "1700" || notif["topic"] != "push" {
		t.Fatalf("expected notif group, got %v", line)
	}
	route, ok := line["route"].(map[string]any)
	if !ok || route["state"] != "checking" {
		t.Fatalf("expected route group, got %v", line)
	}
	if line["component"] != "test" {
		t.Fatalf("expected With attrs preserved, got %v", line)
	}
	if _, ok := line["sess"]; ok {
		t.Fatal("sess group should be absent without session data")
	}
}
