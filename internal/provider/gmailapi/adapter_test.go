package gmailapi

import (
	"encoding/base64"
	"testing"
	"time"

	"google.golang.org/api/gmail/v1"

	"flowdesk-sync/internal/provider"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func header(name, value string) *gmail.MessagePartHeader {
	return &gmail.MessagePartHeader{Name: name, Value: value}
}

func TestExtractMessage(t *testing.T) {
	msg := &gmail.Message{
		Id:           "m-1",
		ThreadId:     "t-1",
		HistoryId:    4711,
		InternalDate: time.Date(2026, 6, 1, 9, 30, 0, 0, time.UTC).UnixMilli(),
		LabelIds:     []string{"INBOX", "UNREAD"},
		Payload: &gmail.MessagePart{
			MimeType: "multipart/alternative",
			Headers: []*gmail.MessagePartHeader{
				header("Subject", "Quarterly review"),
				header("Message-ID", "<origin@example.com>"),
				header("From", "ana@example.com"),
				header("To", "bo@example.com"),
			},
			Parts: []*gmail.MessagePart{
				{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("please review by friday")}},
				{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>please review by friday</p>")}},
			},
		},
	}

	rec := extractMessage(msg)

	if rec.Kind != provider.RecordUpsert || rec.Source != "mail" || rec.Provider != "gmail" {
		t.Errorf("record identity = (%s, %s, %s), want upsert/mail/gmail", rec.Kind, rec.Source, rec.Provider)
	}
	if rec.StableID != "origin@example.com" {
		t.Errorf("StableID = %q, want the Message-ID without angle brackets", rec.StableID)
	}
	if rec.ProtocolRef != "m-1" {
		t.Errorf("ProtocolRef = %q, want the provider message id", rec.ProtocolRef)
	}
	if rec.Name != "Quarterly review" {
		t.Errorf("Name = %q, want the subject", rec.Name)
	}
	if rec.Body != "please review by friday" {
		t.Errorf("Body = %q, want the decoded text part", rec.Body)
	}
	if len(rec.Participants) != 2 || rec.Participants[0] != "ana@example.com" {
		t.Errorf("Participants = %v, want from and to", rec.Participants)
	}
	if rec.StartsAt == nil || rec.StartsAt.UnixMilli() != msg.InternalDate {
		t.Errorf("StartsAt = %v, want the internal date", rec.StartsAt)
	}
	if rec.Raw["thread_id"] != "t-1" {
		t.Errorf("Raw thread_id = %v, want t-1", rec.Raw["thread_id"])
	}
	if rec.Raw["message_id"] != "<origin@example.com>" {
		t.Errorf("Raw message_id = %v, want the bracketed Message-ID", rec.Raw["message_id"])
	}
}

func TestExtractMessage_FallbackStableID(t *testing.T) {
	msg := &gmail.Message{
		Id:      "m-2",
		Payload: &gmail.MessagePart{Headers: []*gmail.MessagePartHeader{header("Subject", "No id")}},
	}

	rec := extractMessage(msg)

	if rec.StableID != "gmail:m-2" {
		t.Errorf("StableID = %q, want the synthesized gmail:m-2", rec.StableID)
	}
	if _, ok := rec.Raw["message_id"]; ok {
		t.Error("Raw carries a message_id for a message without one")
	}
}

func TestGetHeader_CaseInsensitive(t *testing.T) {
	headers := []*gmail.MessagePartHeader{header("message-id", "<x@y>"), header("SUBJECT", "hi")}

	if got := getHeader(headers, "Message-ID"); got != "<x@y>" {
		t.Errorf("getHeader(Message-ID) = %q, want case-insensitive match", got)
	}
	if got := getHeader(headers, "Subject"); got != "hi" {
		t.Errorf("getHeader(Subject) = %q, want hi", got)
	}
	if got := getHeader(headers, "Cc"); got != "" {
		t.Errorf("getHeader(Cc) = %q, want empty for a missing header", got)
	}
}

func TestGetBody(t *testing.T) {
	tests := []struct {
		name    string
		payload *gmail.MessagePart
		want    string
	}{
		{
			name: "top level text",
			payload: &gmail.MessagePart{
				MimeType: "text/plain",
				Body:     &gmail.MessagePartBody{Data: b64("direct body")},
			},
			want: "direct body",
		},
		{
			name: "plain preferred over html",
			payload: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html</p>")}},
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain")}},
				},
			},
			want: "plain",
		},
		{
			name: "html when no plain part",
			payload: &gmail.MessagePart{
				MimeType: "multipart/alternative",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>only html</p>")}},
				},
			},
			want: "<p>only html</p>",
		},
		{
			name: "nested multipart",
			payload: &gmail.MessagePart{
				MimeType: "multipart/mixed",
				Parts: []*gmail.MessagePart{
					{
						MimeType: "multipart/alternative",
						Parts: []*gmail.MessagePart{
							{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("nested plain")}},
						},
					},
				},
			},
			want: "nested plain",
		},
		{
			name:    "no body",
			payload: &gmail.MessagePart{MimeType: "multipart/mixed"},
			want:    "",
		},
		{
			name:    "nil payload",
			payload: nil,
			want:    "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getBody(tt.payload); got != tt.want {
				t.Errorf("getBody = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("dedupe = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dedupe[%d] = %q, want %q (order preserved)", i, got[i], want[i])
		}
	}
}
