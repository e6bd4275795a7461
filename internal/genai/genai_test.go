package genai

import (
	"errors"
	"testing"

	"github.com/neurospicy/fibi/internal/models"
)

func TestParseJSONPlain(t *testing.T) {
	var out struct {
		Title string `json:"title"`
	}
	if err := ParseJSON(`{"title": "buy groceries"}`, &out); err != nil {
		t.Fatal(err)
	}
	if out.Title != "buy groceries" {
		t.Errorf("title = %q", out.Title)
	}
}

func TestParseJSONStripsCodeFence(t *testing.T) {
	response := "```json\n{\"title\": \"buy groceries\"}\n```"
	var out struct {
		Title string `json:"title"`
	}
	if err := ParseJSON(response, &out); err != nil {
		t.Fatal(err)
	}
	if out.Title != "buy groceries" {
		t.Errorf("title = %q", out.Title)
	}
}

func TestParseJSONBareFence(t *testing.T) {
	response := "```\n{\"n\": 3}\n```"
	var out struct {
		N int `json:"n"`
	}
	if err := ParseJSON(response, &out); err != nil {
		t.Fatal(err)
	}
	if out.N != 3 {
		t.Errorf("n = %d", out.N)
	}
}

func TestParseJSONMalformed(t *testing.T) {
	var out map[string]any
	err := ParseJSON("I cannot answer that.", &out)
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, models.ErrMalformedResponse) {
		t.Errorf("err = %v, want ErrMalformedResponse", err)
	}
}
