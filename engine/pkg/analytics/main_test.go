package analytics

import (
	"context"
	"os"
	"testing"

	clickhousetesting "github.com/poolkeeper/sbi/engine/pkg/clickhouse/testing"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
)

var sharedDB *clickhousetesting.DB

func TestMain(m *testing.M) {
	log := sbitesting.NewLogger()
	var err error
	sharedDB, err = clickhousetesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to create shared DB", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
