package main

import (
	"context"
	"fmt"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// BrowserFlow walks the same shopper journey as the load flow, but through
// a real Chrome page and the site's own forms and checkout accordion.
type BrowserFlow struct {
	config   *Config
	profile  UserProfile
	browser  *rod.Browser
	page     *rod.Page
	launcher *launcher.Launcher
}

type BrowserResult struct {
	Email     string
	OrderText string
	OrderID   string
}

func NewBrowserFlow(config *Config, profile UserProfile) *BrowserFlow {
	return &BrowserFlow{
		config:  config,
		profile: profile,
	}
}

func (b *BrowserFlow) Close() {
	if b.page != nil {
		b.page.Close()
	}
	if b.browser != nil {
		b.browser.Close()
	}
	if b.launcher != nil {
		b.launcher.Cleanup()
	}
	logDebug("Browser", "browser closed")
}

func (b *BrowserFlow) stepTimeout() time.Duration {
	return time.Duration(b.config.Browser.StepTimeout) * time.Second
}

func (b *BrowserFlow) pageLoadTimeout() time.Duration {
	return time.Duration(b.config.Browser.PageLoadTimeout) * time.Second
}

func (b *BrowserFlow) url(path string) string {
	return strings.TrimRight(b.config.BaseURL, "/") + path
}

func (b *BrowserFlow) setupBrowser() error {
	logInfo("Browser", "launching browser", "headless", b.config.Browser.Headless)

	// Leakless deadlocks on Windows, see go-rod/rod#853.
	useLeakless := runtime.GOOS != "windows"

	b.launcher = launcher.New().
		Leakless(useLeakless).
		Headless(b.config.Browser.Headless).
		Set("no-sandbox")

	if b.config.Browser.BrowserProfilePath != "" {
		b.launcher = b.launcher.UserDataDir(b.config.Browser.BrowserProfilePath)
	}

	if chromePath, found := launcher.LookPath(); found {
		b.launcher = b.launcher.Bin(chromePath)
		logDebug("Browser", "using system chrome", "path", chromePath)
	}

	controlURL, err := b.launcher.Launch()
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	b.browser = rod.New().ControlURL(controlURL)
	if err := b.browser.Connect(); err != nil {
		return fmt.Errorf("failed to connect to browser: %w", err)
	}

	if b.config.Browser.Stealth {
		b.page, err = stealth.Page(b.browser)
		if err != nil {
			return fmt.Errorf("failed to create stealth page: %w", err)
		}
	} else {
		b.page, err = b.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			return fmt.Errorf("failed to create page: %w", err)
		}
	}

	if err := b.page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.config.Browser.ViewportWidth,
		Height:            b.config.Browser.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		logDebug("Browser", "failed to set viewport", "error", err)
	}

	return nil
}

// Run launches the browser and performs the whole journey. Any failed
// expectation ends the run with an error naming the step.
func (b *BrowserFlow) Run(ctx context.Context) (*BrowserResult, error) {
	if err := b.setupBrowser(); err != nil {
		return nil, err
	}
	b.page = b.page.Context(ctx)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"1. User Registration", b.register},
		{"2. Product Search and Cart", b.searchAndAddToCart},
		{"3. Checkout Flow", b.checkout},
	}
	for _, step := range steps {
		start := time.Now()
		if err := step.fn(); err != nil {
			return nil, fmt.Errorf("%s: %w", step.name, err)
		}
		logInfo("Browser", "step passed", "step", step.name, "elapsed", time.Since(start).Round(time.Millisecond))
	}

	result, err := b.validateOrder()
	if err != nil {
		return nil, fmt.Errorf("4. Order Validation: %w", err)
	}
	return result, nil
}

func (b *BrowserFlow) navigate(path string) error {
	p := b.page.Timeout(b.pageLoadTimeout())
	if err := p.Navigate(b.url(path)); err != nil {
		return fmt.Errorf("failed to navigate to %s: %w", path, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("page %s failed to load: %w", path, err)
	}
	return nil
}

func (b *BrowserFlow) element(selector string) (*rod.Element, error) {
	el, err := b.page.Timeout(b.stepTimeout()).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element %s not found: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

func (b *BrowserFlow) click(selector string) error {
	el, err := b.element(selector)
	if err != nil {
		return err
	}
	if err := el.Timeout(b.stepTimeout()).Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to click %s: %w", selector, err)
	}
	return nil
}

func (b *BrowserFlow) fill(selector, value string) error {
	el, err := b.element(selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("failed to focus %s: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("failed to fill %s: %w", selector, err)
	}
	return nil
}

func (b *BrowserFlow) expectVisible(selector string) (*rod.Element, error) {
	el, err := b.element(selector)
	if err != nil {
		return nil, err
	}
	if err := el.Timeout(b.stepTimeout()).WaitVisible(); err != nil {
		return nil, fmt.Errorf("%s never became visible: %w", selector, err)
	}
	return el, nil
}

func (b *BrowserFlow) expectText(selector, want string) error {
	el, err := b.expectVisible(selector)
	if err != nil {
		return err
	}
	text, err := el.Text()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", selector, err)
	}
	if !strings.Contains(text, want) {
		return fmt.Errorf("%s: got %q, want it to contain %q", selector, text, want)
	}
	return nil
}

// waitLoadingHidden waits for every checkout spinner present to disappear.
func (b *BrowserFlow) waitLoadingHidden() error {
	spinners, err := b.page.Elements(".loading-image")
	if err != nil {
		return err
	}
	for _, spinner := range spinners {
		if err := spinner.Timeout(b.stepTimeout()).WaitInvisible(); err != nil {
			return fmt.Errorf("loading indicator still visible: %w", err)
		}
	}
	return nil
}

// optionalVisible reports whether selector shows up within wait.
func (b *BrowserFlow) optionalVisible(selector string, wait time.Duration) bool {
	el, err := b.page.Timeout(wait).Element(selector)
	if err != nil {
		return false
	}
	visible, err := el.CancelTimeout().Visible()
	return err == nil && visible
}

func (b *BrowserFlow) register() error {
	if err := b.navigate("/register"); err != nil {
		return err
	}
	if err := b.click("#gender-male"); err != nil {
		return err
	}

	fields := []struct{ selector, value string }{
		{"#FirstName", b.profile.FirstName},
		{"#LastName", b.profile.LastName},
		{"#Email", b.profile.Email},
		{"#Password", b.profile.Password},
		{"#ConfirmPassword", b.profile.Password},
	}
	for _, f := range fields {
		if err := b.fill(f.selector, f.value); err != nil {
			return err
		}
	}

	if err := b.click("#register-button"); err != nil {
		return err
	}
	return b.expectText(".result", "Your registration completed")
}

func (b *BrowserFlow) searchAndAddToCart() error {
	term := b.config.SearchTerm

	if err := b.fill("#small-searchterms", term); err != nil {
		return err
	}
	if err := b.click(`input[value="Search"]`); err != nil {
		return err
	}

	link, err := b.page.Timeout(b.stepTimeout()).ElementR(".product-title > a", regexp.QuoteMeta(term))
	if err != nil {
		return fmt.Errorf("no search result titled %q: %w", term, err)
	}
	if err := link.CancelTimeout().Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("failed to open product %q: %w", term, err)
	}
	if err := b.expectText(`h1[itemprop="name"]`, term); err != nil {
		return err
	}

	if err := b.click(".add-to-cart-button"); err != nil {
		return err
	}
	if err := b.expectText("#bar-notification", "The product has been added"); err != nil {
		return err
	}

	// The notification bar overlays the header links used later.
	if err := b.click("#bar-notification .close"); err != nil {
		return err
	}
	notification, err := b.element("#bar-notification")
	if err != nil {
		return err
	}
	if err := notification.Timeout(b.stepTimeout()).WaitInvisible(); err != nil {
		return fmt.Errorf("notification did not close: %w", err)
	}
	return nil
}

func (b *BrowserFlow) checkout() error {
	if err := b.navigate("/cart"); err != nil {
		return err
	}
	if err := b.click("#termsofservice"); err != nil {
		return err
	}
	if err := b.click("#checkout"); err != nil {
		return err
	}

	if _, err := b.expectVisible("#opc-billing"); err != nil {
		return err
	}
	if b.optionalVisible("#BillingNewAddress_CountryId", time.Second) {
		if err := b.fillNewBillingAddress(); err != nil {
			return err
		}
	}
	if err := b.advance("#billing-buttons-container .new-address-next-step-button"); err != nil {
		return err
	}

	if b.optionalVisible("#shipping-buttons-container", 2*time.Second) {
		logInfo("Browser", "handling explicit shipping address step")
		if err := b.advance("#shipping-buttons-container .new-address-next-step-button"); err != nil {
			return err
		}
	}

	wizard := []struct{ section, button string }{
		{"#checkout-step-shipping-method", "#shipping-method-buttons-container .shipping-method-next-step-button"},
		{"#checkout-step-payment-method", "#payment-method-buttons-container .payment-method-next-step-button"},
		{"#checkout-step-payment-info", "#payment-info-buttons-container .payment-info-next-step-button"},
		{"#checkout-step-confirm-order", "#confirm-order-buttons-container .confirm-order-next-step-button"},
	}
	for _, w := range wizard {
		if _, err := b.expectVisible(w.section); err != nil {
			return err
		}
		if _, err := b.expectVisible(w.button); err != nil {
			return err
		}
		if err := b.advance(w.button); err != nil {
			return err
		}
	}
	return nil
}

func (b *BrowserFlow) fillNewBillingAddress() error {
	country, err := b.element("#BillingNewAddress_CountryId")
	if err != nil {
		return err
	}
	if err := country.Select([]string{fmt.Sprintf(`[value="%s"]`, b.profile.CountryID)}, true, rod.SelectorTypeCSSSector); err != nil {
		return fmt.Errorf("failed to select country: %w", err)
	}

	addr := b.config.Checkout.Billing
	fields := []struct{ selector, value string }{
		{"#BillingNewAddress_City", addr.City},
		{"#BillingNewAddress_Address1", addr.Address1},
		{"#BillingNewAddress_ZipPostalCode", addr.ZipPostalCode},
		{"#BillingNewAddress_PhoneNumber", addr.PhoneNumber},
	}
	for _, f := range fields {
		if err := b.fill(f.selector, f.value); err != nil {
			return err
		}
	}
	return nil
}

func (b *BrowserFlow) advance(button string) error {
	if err := b.click(button); err != nil {
		return err
	}
	return b.waitLoadingHidden()
}

func (b *BrowserFlow) validateOrder() (*BrowserResult, error) {
	if _, err := b.expectVisible(".section.order-completed"); err != nil {
		return nil, err
	}
	if err := b.expectText(".title", OrderSuccessPhrase); err != nil {
		return nil, err
	}

	detail, err := b.element(".details > li")
	if err != nil {
		return nil, err
	}
	orderText, err := detail.Text()
	if err != nil {
		return nil, fmt.Errorf("failed to read order details: %w", err)
	}

	result := &BrowserResult{
		Email:     b.profile.Email,
		OrderText: strings.TrimSpace(orderText),
		OrderID:   ExtractOrderID(orderText),
	}
	logInfo("Browser", "order generated", "order", result.OrderText)
	return result, nil
}
