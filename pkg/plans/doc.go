// Package plans provides the plan catalog consumed by the subscription
// lifecycle.
//
// A Plan carries its price and tax in minor currency units, a currency code,
// a free flag and a tier. Plans are totally ordered by Compare, which decides
// whether a plan change is an upgrade (takes effect immediately) or a
// downgrade (waits for the next billing boundary).
//
// Catalogs can be built in code with NewStaticCatalog or loaded from YAML:
//
//	plans:
//	  - key: basic
//	    name: Basic
//	    tier: 1
//	    price_cents: 980
//	    tax_cents: 49
//	    currency: JPY
//	  - key: free
//	    name: Free
//	    tier: 0
//	    free: true
//
// WatchFile keeps a catalog in sync with its file on disk.
package plans
