package memstore_test

import (
	"testing"

	"github.com/meikuraledutech/casegraph"
	"github.com/meikuraledutech/casegraph/memstore"
	"github.com/meikuraledutech/casegraph/storetest"
)

var _ casegraph.Store = (*memstore.Store)(nil)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) casegraph.Store {
		return memstore.New()
	})
}
