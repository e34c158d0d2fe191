package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// OrderSuccessPhrase is the heading of the checkout completed page.
const OrderSuccessPhrase = "Your order has been successfully processed"

var errCheckoutNotReady = errors.New("checkout page not loaded or missing anti-forgery token")

// CheckoutStep mirrors the server-side one-page checkout wizard. Steps only
// move forward, one at a time, through Next.
type CheckoutStep int

const (
	StepBilling CheckoutStep = iota
	StepShipping
	StepShippingMethod
	StepPaymentMethod
	StepPaymentInfo
	StepConfirm
	StepCompleted
)

var stepInfo = [...]struct {
	name  string
	path  string
	check string
}{
	StepBilling:        {"billing", "/checkout/OpcSaveBilling/", "checkout: billing saved"},
	StepShipping:       {"shipping", "/checkout/OpcSaveShipping/", "checkout: shipping saved"},
	StepShippingMethod: {"shipping-method", "/checkout/OpcSaveShippingMethod/", "checkout: ship method saved"},
	StepPaymentMethod:  {"payment-method", "/checkout/OpcSavePaymentMethod/", "checkout: pay method saved"},
	StepPaymentInfo:    {"payment-info", "/checkout/OpcSavePaymentInfo/", "checkout: pay info saved"},
	StepConfirm:        {"confirm", "/checkout/OpcConfirmOrder/", "checkout: order confirmed"},
	StepCompleted:      {"completed", "/checkout/completed/", "order: completed successfully"},
}

func (s CheckoutStep) valid() bool {
	return s >= StepBilling && s <= StepCompleted
}

func (s CheckoutStep) String() string {
	if !s.valid() {
		return fmt.Sprintf("CheckoutStep(%d)", int(s))
	}
	return stepInfo[s].name
}

// Path is the endpoint the step is submitted to, relative to the base URL.
func (s CheckoutStep) Path() string {
	if !s.valid() {
		return ""
	}
	return stepInfo[s].path
}

// CheckName is the check recorded when the step's response comes back.
func (s CheckoutStep) CheckName() string {
	if !s.valid() {
		return ""
	}
	return stepInfo[s].check
}

// Next returns the following step. StepCompleted is terminal.
func (s CheckoutStep) Next() CheckoutStep {
	if s >= StepCompleted || s < StepBilling {
		return StepCompleted
	}
	return s + 1
}

// CheckoutSteps lists the mutating steps in submission order.
func CheckoutSteps() []CheckoutStep {
	steps := make([]CheckoutStep, 0, int(StepCompleted))
	for s := StepBilling; s != StepCompleted; s = s.Next() {
		steps = append(steps, s)
	}
	return steps
}

// StepError is returned when the abort policy stops the sequence.
type StepError struct {
	Step   CheckoutStep
	Status int
	URL    string
	Err    error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("checkout step %s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("checkout step %s failed: status %d at %s", e.Step, e.Status, e.URL)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// CheckoutResult is what one pass of the driver observed.
type CheckoutResult struct {
	Token     string
	Completed bool
	OrderID   string
	Failed    []CheckoutStep
}

// CheckoutDriver submits the one-page checkout for a logged-in session with
// a filled cart. The anti-forgery token is read once from the checkout page
// and reused by every step; the shop does not rotate it between steps.
type CheckoutDriver struct {
	session *Session
	profile UserProfile
	cfg     CheckoutConfig

	token   string
	current CheckoutStep
	failed  []CheckoutStep
}

func NewCheckoutDriver(session *Session, profile UserProfile, cfg CheckoutConfig) *CheckoutDriver {
	return &CheckoutDriver{
		session: session,
		profile: profile,
		cfg:     cfg,
		current: StepBilling,
	}
}

// Current is the step the driver will submit next.
func (d *CheckoutDriver) Current() CheckoutStep {
	return d.current
}

// Failed lists the steps whose check failed, in submission order.
func (d *CheckoutDriver) Failed() []CheckoutStep {
	return append([]CheckoutStep(nil), d.failed...)
}

func (d *CheckoutDriver) Run(ctx context.Context) (*CheckoutResult, error) {
	page, err := d.session.Get(ctx, "/checkout")
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	loaded := d.session.Check("checkout: page loaded", err == nil && page.Status == 200)

	d.token = ExtractToken(page.Body)
	if d.token == "" {
		logWarn("Checkout", "anti-forgery token not found on checkout page", "url", page.URL, "status", page.Status)
	}

	// Under abort nothing is submitted without a loaded page and its token.
	if d.cfg.OnStepFailure == FailurePolicyAbort && (!loaded || d.token == "") {
		if err == nil {
			err = errCheckoutNotReady
		}
		return d.result(), &StepError{Step: d.current, Status: page.Status, URL: page.URL, Err: err}
	}

	for d.current != StepCompleted {
		step := d.current

		resp, err := d.session.PostForm(ctx, step.Path(), d.payload(step), true)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !d.session.Check(step.CheckName(), err == nil && resp.Status == 200) {
			d.failed = append(d.failed, step)
			logWarn("Checkout", "step failed", "step", step.String(), "endpoint", step.Path(), "status", resp.Status, "url", resp.URL)

			if d.cfg.OnStepFailure == FailurePolicyAbort {
				return d.result(), &StepError{Step: step, Status: resp.Status, URL: resp.URL, Err: err}
			}
		} else {
			logDebug("Checkout", "step saved", "step", step.String())
		}

		d.current = step.Next()
	}

	result := d.result()
	d.validateCompletion(ctx, result)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return result, nil
}

func (d *CheckoutDriver) result() *CheckoutResult {
	return &CheckoutResult{
		Token:  d.token,
		Failed: d.Failed(),
	}
}

func (d *CheckoutDriver) validateCompletion(ctx context.Context, result *CheckoutResult) {
	page, err := d.session.Get(ctx, StepCompleted.Path())
	if ctx.Err() != nil {
		return
	}

	result.Completed = d.session.Check(StepCompleted.CheckName(), err == nil && strings.Contains(page.Body, OrderSuccessPhrase))
	if !result.Completed {
		logWarn("Checkout", "order not completed", "url", page.URL, "status", page.Status)
		return
	}

	result.OrderID = ExtractOrderID(page.Body)
	if result.OrderID == "" {
		logWarn("Checkout", "order id not found on confirmation page", "url", page.URL)
		logDebug("Checkout", "confirmation page excerpt", "body", truncate(page.Body, 500))
		return
	}

	logInfo("Checkout", "order placed", "order_id", result.OrderID, "email", d.profile.Email)
}

func (d *CheckoutDriver) payload(step CheckoutStep) url.Values {
	form := url.Values{}

	switch step {
	case StepBilling:
		addr := d.cfg.Billing
		form.Set("billing_address_id", "")
		form.Set("BillingNewAddress.FirstName", d.profile.FirstName)
		form.Set("BillingNewAddress.LastName", d.profile.LastName)
		form.Set("BillingNewAddress.Email", d.profile.Email)
		form.Set("BillingNewAddress.CountryId", d.profile.CountryID)
		form.Set("BillingNewAddress.StateProvinceId", addr.StateProvinceID)
		form.Set("BillingNewAddress.City", addr.City)
		form.Set("BillingNewAddress.Address1", addr.Address1)
		form.Set("BillingNewAddress.ZipPostalCode", addr.ZipPostalCode)
		form.Set("BillingNewAddress.PhoneNumber", addr.PhoneNumber)
		form.Set("ShipToSameAddress", "false")
	case StepShipping:
		addr := d.cfg.Shipping
		form.Set("shipping_address_id", "")
		form.Set("PickUpInStore", "false")
		form.Set("ShippingNewAddress.FirstName", d.profile.FirstName)
		form.Set("ShippingNewAddress.LastName", d.profile.LastName)
		form.Set("ShippingNewAddress.Email", d.profile.Email)
		form.Set("ShippingNewAddress.CountryId", d.profile.CountryID)
		form.Set("ShippingNewAddress.StateProvinceId", addr.StateProvinceID)
		form.Set("ShippingNewAddress.City", addr.City)
		form.Set("ShippingNewAddress.Address1", addr.Address1)
		form.Set("ShippingNewAddress.ZipPostalCode", addr.ZipPostalCode)
		form.Set("ShippingNewAddress.PhoneNumber", addr.PhoneNumber)
	case StepShippingMethod:
		form.Set("shippingoption", d.cfg.ShippingOption)
	case StepPaymentMethod:
		form.Set("paymentmethod", d.cfg.PaymentMethod)
	}

	form.Set(tokenFieldName, d.token)
	return form
}
