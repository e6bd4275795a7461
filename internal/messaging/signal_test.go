package messaging

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

func TestNewSignalServiceRequiresConfig(t *testing.T) {
	if _, err := NewSignalService(WithNumber("+491700000000")); err == nil {
		t.Error("expected error without API URL")
	}
	if _, err := NewSignalService(WithAPIURL("http://localhost:8080")); err == nil {
		t.Error("expected error without number")
	}
}

func TestWithAPIURLTrimsTrailingSlash(t *testing.T) {
	svc, err := NewSignalService(WithAPIURL("http://localhost:8080/"), WithNumber("+491700000000"))
	if err != nil {
		t.Fatal(err)
	}
	if svc.apiURL != "http://localhost:8080" {
		t.Errorf("apiURL = %q", svc.apiURL)
	}
}

func TestSendMessagePostsToV2Send(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	svc, err := NewSignalService(WithAPIURL(server.URL), WithNumber("+491700000000"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "+491711111111", "hello"); err != nil {
		t.Fatal(err)
	}

	if gotPath != "/v2/send" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody["message"] != "hello" || gotBody["number"] != "+491700000000" {
		t.Errorf("body = %v", gotBody)
	}
	recipients, _ := gotBody["recipients"].([]any)
	if len(recipients) != 1 || recipients[0] != "+491711111111" {
		t.Errorf("recipients = %v", recipients)
	}
}

func TestSendMessageEmptyRecipient(t *testing.T) {
	svc, err := NewSignalService(WithAPIURL("http://localhost:1"), WithNumber("+491700000000"))
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.SendMessage(context.Background(), "", "hello"); err != models.ErrEmptyRecipient {
		t.Errorf("err = %v, want ErrEmptyRecipient", err)
	}
}

func TestSendMessageSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	svc, _ := NewSignalService(WithAPIURL(server.URL), WithNumber("+491700000000"))
	if err := svc.SendMessage(context.Background(), "+491711111111", "hello"); err == nil {
		t.Error("expected error on 4xx response")
	}
}

func TestHandleEnvelopeDeliversDataMessage(t *testing.T) {
	svc, err := NewSignalService(WithAPIURL("http://localhost:1"), WithNumber("+491700000000"))
	if err != nil {
		t.Fatal(err)
	}

	svc.handleEnvelope(`{"envelope": {"source": "+491711111111", "timestamp": 1700000000000,
		"dataMessage": {"message": "set a timer", "timestamp": 1700000000000}}}`)

	select {
	case in := <-svc.Messages():
		if in.Number != "+491711111111" {
			t.Errorf("number = %q", in.Number)
		}
		if in.Message.Text != "set a timer" {
			t.Errorf("text = %q", in.Message.Text)
		}
		if in.Message.Channel != models.ChannelSignal {
			t.Errorf("channel = %q", in.Message.Channel)
		}
		if in.Message.ID != models.MessageID("+491711111111/1700000000000") {
			t.Errorf("id = %q", in.Message.ID)
		}
		if !in.Message.ReceivedAt.Equal(time.UnixMilli(1700000000000)) {
			t.Errorf("receivedAt = %s", in.Message.ReceivedAt)
		}
	default:
		t.Fatal("no message delivered")
	}
}

func TestHandleEnvelopeIgnoresReceipts(t *testing.T) {
	svc, err := NewSignalService(WithAPIURL("http://localhost:1"), WithNumber("+491700000000"))
	if err != nil {
		t.Fatal(err)
	}

	svc.handleEnvelope(`{"envelope": {"source": "+491711111111", "timestamp": 1700000000000,
		"receiptMessage": {"isDelivery": true}}}`)
	svc.handleEnvelope(`not json at all`)

	select {
	case in := <-svc.Messages():
		t.Fatalf("unexpected message %+v", in)
	default:
	}
}

func TestMockServiceRecordsSent(t *testing.T) {
	svc := NewMockService()
	if err := svc.SendMessage(context.Background(), "+491711111111", "hi"); err != nil {
		t.Fatal(err)
	}
	sent := svc.Sent()
	if len(sent) != 1 || sent[0] != "+491711111111: hi" {
		t.Errorf("sent = %v", sent)
	}
}
