package invalidate_test

import (
	"context"
	"fmt"
	"time"

	"github.com/jonwraymond/toolcache/cache"
	"github.com/jonwraymond/toolcache/invalidate"
)

func ExampleIndex_Invalidate() {
	store := cache.New(cache.Config{})
	ctx := context.Background()
	for _, k := range []string{"cust1:tool:a", "cust1:tool:b", "cust2:tool:a"} {
		_ = store.Set(ctx, k, []byte("v"), time.Minute)
	}

	ix := invalidate.New(store)
	n, _ := ix.Invalidate(ctx, "cust1:*")
	fmt.Println("removed:", n)
	fmt.Println("cust2 kept:", store.Has(ctx, "cust2:tool:a"))
	// Output:
	// removed: 2
	// cust2 kept: true
}
