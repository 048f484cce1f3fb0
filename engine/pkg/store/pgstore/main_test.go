package pgstore

import (
	"context"
	"os"
	"testing"

	pgtesting "github.com/poolkeeper/sbi/engine/pkg/store/pgstore/testing"
	sbitesting "github.com/poolkeeper/sbi/utils/pkg/testing"
)

var sharedDB *pgtesting.DB

func TestMain(m *testing.M) {
	log := sbitesting.NewLogger()
	var err error
	sharedDB, err = pgtesting.NewDB(context.Background(), log, nil)
	if err != nil {
		log.Error("failed to start PostgreSQL container", "error", err)
		os.Exit(1)
	}
	code := m.Run()
	sharedDB.Close()
	os.Exit(code)
}
