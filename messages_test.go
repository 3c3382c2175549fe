/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecodeField(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"bare", `"abc"`, "abc", false},
		{"wrapped", `{"id": "abc"}`, "abc", false},
		{"wrapped extra keys", `{"id": "abc", "x": 1}`, "abc", false},
		{"missing key", `{"name": "abc"}`, "", true},
		{"empty", ``, "", true},
		{"wrong type", `5`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			err := decodeField(json.RawMessage(tt.raw), "id", &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("decodeField() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrBadRequest) {
				t.Errorf("error %v does not wrap ErrBadRequest", err)
			}
			if got != tt.want {
				t.Errorf("decodeField() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVoteValue(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{`{"value": 5}`, "5", false},
		{`{"value": "?"}`, "?", false},
		{`{"vote": 0.5}`, "0.5", false},
		{`8`, "8", false},
		{`" coffee "`, "coffee", false},
		{`{"value": ""}`, "", true},
		{`{"value": null}`, "", true},
		{`{}`, "", true},
		{`true`, "", true},
		{`[1]`, "", true},
		{``, "", true},
	}

	for _, tt := range tests {
		got, err := voteValue(json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("voteValue(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("voteValue(%s) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNameTaken, "name_taken"},
		{storeErr("get session", ErrNotFound), "not_found"},
		{storeErr("get session", errors.New("disk full")), "store"},
		{ErrInvalidState, "invalid_state"},
		{errors.New("boom"), "internal"},
	}

	for _, tt := range tests {
		if got := errorCode(tt.err); got != tt.want {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
