// Package payments sells web credit packages through Stripe and Dodo and
// turns verified provider webhooks into ledger credits.
package payments

import "sort"

// Provider names a checkout backend.
type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderDodo   Provider = "dodo"
)

// Package is a credit bundle. Amounts are in minor units.
type Package struct {
	ID         string
	Name       string
	Credits    int
	USDCents   int64
	USDDisplay string
	INRPaise   int64
	INRDisplay string
}

// DisplayName is the line-item title shown at checkout.
func (p Package) DisplayName() string {
	return p.Name + " - " + itoa(p.Credits) + " Credits"
}

var packages = map[string]Package{
	"starter": {ID: "starter", Name: "Starter", Credits: 50, USDCents: 500, USDDisplay: "$5", INRPaise: 40000, INRDisplay: "₹400"},
	"builder": {ID: "builder", Name: "Builder", Credits: 200, USDCents: 1500, USDDisplay: "$15", INRPaise: 120000, INRDisplay: "₹1,200"},
	"pro":     {ID: "pro", Name: "Pro", Credits: 500, USDCents: 3000, USDDisplay: "$30", INRPaise: 240000, INRDisplay: "₹2,400"},
}

// LookupPackage returns the package with id.
func LookupPackage(id string) (Package, bool) {
	p, ok := packages[id]
	return p, ok
}

// Packages lists the catalog, smallest first.
func Packages() []Package {
	out := make([]Package, 0, len(packages))
	for _, p := range packages {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Credits < out[j].Credits })
	return out
}
