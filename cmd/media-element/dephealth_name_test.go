// Тесты определения имени вершины графа topologymetrics.
package main

import "testing"

func TestParseOwnerName(t *testing.T) {
	tests := []struct {
		name     string
		hostname string
		want     string
	}{
		{"Deployment", "media-element-7d8f9b6c4f-x2k9z", "media-element"},
		{"Deployment с номером в имени", "media-element-me-01-5fbcd8d7b9-k4m2j", "media-element-me-01"},
		{"StatefulSet, ordinal 0", "media-sts-0", "media-sts"},
		{"StatefulSet, ordinal 42", "media-sts-42", "media-sts"},
		{"Простое имя", "media-app", "media-app"},
		{"localhost", "localhost", "localhost"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseOwnerName(tt.hostname); got != tt.want {
				t.Errorf("parseOwnerName(%q) = %q, ожидалось %q", tt.hostname, got, tt.want)
			}
		})
	}
}

func TestDephealthName_Configured(t *testing.T) {
	if got := dephealthName("media-element-prod"); got != "media-element-prod" {
		t.Errorf("dephealthName: %q", got)
	}
	if got := dephealthName(""); got == "" {
		t.Error("dephealthName без DEPHEALTH_NAME вернул пустую строку")
	}
}
