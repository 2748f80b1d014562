package model

import (
	"strings"
	"testing"
	"time"
)

func TestIsRemoteRef(t *testing.T) {
	tests := []struct {
		ref  string
		want bool
	}{
		{"http://example.com/a.jpg", true},
		{"https://cdn.example.com/x/y.png", true},
		{"s3+https://bucket/key", true},
		{"a/b/c/d/abcd.jpg", false},
		{"/abs/path/file.jpg", false},
		{"://broken", false},
		{"c:/windows/path", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsRemoteRef(tt.ref); got != tt.want {
			t.Errorf("IsRemoteRef(%q): ожидалось %v, получено %v", tt.ref, tt.want, got)
		}
	}
}

func TestMediaRecord_Clone(t *testing.T) {
	deleted := time.Now().UTC()
	rec := &MediaRecord{ID: "id-1", ContentHash: "abc", DeletedAt: &deleted}

	cp := rec.Clone()
	cp.ContentHash = "changed"
	*cp.DeletedAt = deleted.Add(time.Hour)

	if rec.ContentHash != "abc" {
		t.Error("изменение копии не должно влиять на оригинал")
	}
	if !rec.DeletedAt.Equal(deleted) {
		t.Error("DeletedAt оригинала не должен меняться")
	}
}

func TestMediaRecord_Flags(t *testing.T) {
	rec := &MediaRecord{MediaType: MimePDF}
	if rec.IsPersisted() {
		t.Error("запись без ID не должна считаться сохранённой")
	}
	if !rec.NeedsConversion() {
		t.Error("PDF требует конвертации")
	}

	rec.ID = "x"
	rec.MediaType = MimeJPEG
	if !rec.IsPersisted() || rec.NeedsConversion() {
		t.Error("некорректные флаги для сохранённого JPEG")
	}
}

func TestMediaRecord_IntakeHash(t *testing.T) {
	pdfHash := strings.Repeat("a", 64)
	jpegHash := strings.Repeat("b", 64)

	tests := []struct {
		name string
		rec  MediaRecord
		want string
	}{
		{"источник задан", MediaRecord{ContentHash: jpegHash, SourceHash: pdfHash}, pdfHash},
		{"без нормализации", MediaRecord{ContentHash: jpegHash}, jpegHash},
		{"старая запись после конвертации", MediaRecord{
			ContentHash:      jpegHash,
			OriginalFilename: "a/a/a/a/" + pdfHash + ".pdf",
		}, pdfHash},
		{"имя PDF не похоже на хэш", MediaRecord{
			ContentHash:      jpegHash,
			OriginalFilename: "docs/report.pdf",
		}, jpegHash},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.IntakeHash(); got != tt.want {
				t.Errorf("IntakeHash: ожидалось %s, получено %s", tt.want, got)
			}
		})
	}
}

func TestMediaRecord_MatchesHash(t *testing.T) {
	rec := &MediaRecord{ContentHash: "jpeg", SourceHash: "pdf"}
	if !rec.MatchesHash("pdf") || !rec.MatchesHash("jpeg") {
		t.Error("запись должна находиться и по хэшу источника, и по хэшу представления")
	}
	if rec.MatchesHash("other") || rec.MatchesHash("") {
		t.Error("посторонний или пустой хэш не должен совпадать")
	}
}
