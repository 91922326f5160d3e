package payments

import (
	"context"
	"strconv"
)

// Metadata keys carried through both providers.
const (
	metaUser    = "userId"
	metaPackage = "packageId"
	metaCredits = "credits"
)

// CheckoutRequest is what a gateway needs to open a hosted checkout.
type CheckoutRequest struct {
	UserKey    string
	Package    Package
	SuccessURL string
	CancelURL  string
}

// CheckoutSession is an opened checkout.
type CheckoutSession struct {
	ProviderID string
	URL        string
}

// Event is a verified, provider-neutral payment notification. Paid is
// false for notifications that should be acknowledged and ignored.
type Event struct {
	Provider   Provider
	ProviderID string
	Paid       bool
	UserKey    string
	PackageID  string
	Credits    int
}

// Gateway is one payment provider.
type Gateway interface {
	Provider() Provider
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	// ParseWebhook verifies and decodes a webhook body. header returns a
	// request header by name. Verification failures wrap perrors.ErrVerification.
	ParseWebhook(payload []byte, header func(string) string) (*Event, error)
}

func checkoutMetadata(req CheckoutRequest) map[string]string {
	return map[string]string{
		metaUser:    req.UserKey,
		metaPackage: req.Package.ID,
		metaCredits: itoa(req.Package.Credits),
	}
}

// eventFromMetadata fills user, package and credits from provider metadata.
func eventFromMetadata(ev *Event, md map[string]string) {
	ev.UserKey = md[metaUser]
	ev.PackageID = md[metaPackage]
	if n, err := strconv.Atoi(md[metaCredits]); err == nil {
		ev.Credits = n
	}
}

func itoa(n int) string { return strconv.Itoa(n) }
