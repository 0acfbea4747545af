// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"strings"
	"testing"
)

func TestValidateSite(t *testing.T) {
	tests := []struct {
		name    string
		site    string
		wantErr bool
	}{
		{"simple", "bank.example", false},
		{"single label", "localhost", false},
		{"subdomain", "login.bank.example", false},
		{"hyphen", "my-bank.example", false},
		{"digits", "123.example", false},

		{"empty", "", true},
		{"upper case", "Bank.example", true},
		{"www prefix", "www.bank.example", true},
		{"with port", "bank.example:443", true},
		{"with scheme", "https://bank.example", true},
		{"with path", "bank.example/login", true},
		{"leading hyphen", "-bank.example", true},
		{"empty label", "bank..example", true},
		{"trailing dot", "bank.example.", true},
		{"injection", "bank.example\n|> drop()", true},
		{"too long", strings.Repeat("a.", 127) + "a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSite(tt.site)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSite(%q) error = %v, wantErr %v", tt.site, err, tt.wantErr)
			}
		})
	}
}

func TestSanitizeSite(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"bank.example", "bank.example", false},
		{"  Bank.Example ", "bank.example", false},
		{"WWW.bank.example", "bank.example", false},
		{"", "", true},
		{"bank.example:8443", "", true},
	}

	for _, tt := range tests {
		got, err := SanitizeSite(tt.input)
		if (err != nil) != tt.wantErr {
			t.Errorf("SanitizeSite(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("SanitizeSite(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
