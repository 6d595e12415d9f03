package assetstore

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
	)
}
