package main

import (
	"path/filepath"
	"testing"
)

func TestDiskUsageFn(t *testing.T) {
	total, used, available, err := diskUsageFn(t.TempDir())()
	if err != nil {
		t.Fatalf("diskUsageFn: %v", err)
	}
	if total <= 0 || available < 0 || used < 0 {
		t.Errorf("некорректная ёмкость: total=%d used=%d available=%d", total, used, available)
	}
	if used+available != total {
		t.Errorf("used+available=%d, ожидалось %d", used+available, total)
	}
}

func TestDiskUsageFn_MissingDir(t *testing.T) {
	if _, _, _, err := diskUsageFn(filepath.Join(t.TempDir(), "missing"))(); err == nil {
		t.Error("для несуществующего каталога ожидалась ошибка")
	}
}
