package db

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/eventpipe/pkg/logger"
)

func loggedDB(t *testing.T, slow time.Duration) (*gorm.DB, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	logg := logger.New(logger.Options{ServiceName: "db-test", Format: logger.FormatJSON, Output: buf})
	conn := newTestDB(t).Session(&gorm.Session{Logger: newQueryLogger(logg, slow)})
	return conn, buf
}

func TestQueryLoggerSkipsFastAndMissingRows(t *testing.T) {
	conn, buf := loggedDB(t, time.Hour)
	if err := conn.Create(&testModel{Name: "a"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	var row testModel
	if err := conn.Where("name = ?", "missing").First(&row).Error; err == nil {
		t.Fatal("expected not found")
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no log output, got %s", buf.String())
	}
}

func TestQueryLoggerReportsFailuresAndSlowQueries(t *testing.T) {
	conn, buf := loggedDB(t, time.Nanosecond)
	if err := conn.Create(&testModel{Name: "dup"}).Error; err != nil {
		t.Fatalf("create: %v", err)
	}
	if !strings.Contains(buf.String(), `"message":"slow query"`) {
		t.Fatalf("expected slow query entry, got %s", buf.String())
	}

	buf.Reset()
	if err := conn.Create(&testModel{Name: "dup"}).Error; err == nil {
		t.Fatal("expected unique violation")
	}
	if !strings.Contains(buf.String(), `"message":"query failed"`) || !strings.Contains(buf.String(), `"sql"`) {
		t.Fatalf("expected failed query entry with sql, got %s", buf.String())
	}
}

func TestQueryLoggerWithoutLoggerDiscards(t *testing.T) {
	if _, ok := newQueryLogger(nil, time.Second).(*queryLogger); ok {
		t.Fatal("nil logger must fall back to the discard logger")
	}
}
