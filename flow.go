package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	GroupLogin    = "01_Login_Flow"
	GroupSearch   = "02_Search_Product"
	GroupCart     = "03_Add_To_Cart"
	GroupCheckout = "04_Checkout_Flow"
)

var errRegistrationFailed = errors.New("registration was not accepted")

// Register creates the account every VU of the run logs in with.
func Register(ctx context.Context, sess *Session, profile UserProfile) error {
	page, err := sess.Get(ctx, "/register")
	if err != nil {
		return fmt.Errorf("failed to load registration page: %w", err)
	}
	token := ExtractToken(page.Body)
	if token == "" {
		logWarn("Setup", "anti-forgery token not found on registration page", "url", page.URL)
	}

	form := url.Values{}
	form.Set("Gender", "M")
	form.Set("FirstName", profile.FirstName)
	form.Set("LastName", profile.LastName)
	form.Set("Email", profile.Email)
	form.Set("Password", profile.Password)
	form.Set("ConfirmPassword", profile.Password)
	form.Set(tokenFieldName, token)
	form.Set("register-button", "Register")

	resp, err := sess.PostForm(ctx, "/register", form, false)
	if err != nil {
		return fmt.Errorf("failed to submit registration: %w", err)
	}
	if !sess.Check("setup: user created", resp.Status == 200) {
		return fmt.Errorf("%w: status %d at %s", errRegistrationFailed, resp.Status, resp.URL)
	}

	logInfo("Setup", "user registered", "email", profile.Email)
	return nil
}

// IterationResult records how far one iteration of the flow got.
type IterationResult struct {
	LoggedIn    bool
	ProductID   string
	AddedToCart bool
	Checkout    *CheckoutResult
}

// Flow is one shopper's pass through the store: log in, find the product,
// add it to the cart and check out.
type Flow struct {
	cfg     *Config
	sess    *Session
	profile UserProfile
}

func NewFlow(cfg *Config, sess *Session, profile UserProfile) *Flow {
	return &Flow{cfg: cfg, sess: sess, profile: profile}
}

// Run executes one iteration. Failed checks are recorded and the flow goes
// on; only cancellation and the abort failure policy end it early.
func (f *Flow) Run(ctx context.Context) (*IterationResult, error) {
	result := &IterationResult{}

	if err := f.sess.Group(GroupLogin, func() error { return f.login(ctx, result) }); err != nil {
		return result, err
	}
	if err := sleepContext(ctx, f.cfg.ThinkTime()); err != nil {
		return result, err
	}

	if err := f.sess.Group(GroupSearch, func() error { return f.search(ctx, result) }); err != nil {
		return result, err
	}

	if result.ProductID != "" {
		if err := f.sess.Group(GroupCart, func() error { return f.addToCart(ctx, result) }); err != nil {
			return result, err
		}
	}
	if err := sleepContext(ctx, f.cfg.ThinkTime()); err != nil {
		return result, err
	}

	err := f.sess.Group(GroupCheckout, func() error {
		checkout, err := NewCheckoutDriver(f.sess, f.profile, f.cfg.Checkout).Run(ctx)
		result.Checkout = checkout
		return err
	})
	return result, err
}

func (f *Flow) login(ctx context.Context, result *IterationResult) error {
	page, err := f.sess.Get(ctx, "/login")
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		logWarn("Flow", "login page failed", "error", err)
	}

	form := url.Values{}
	form.Set("Email", f.profile.Email)
	form.Set("Password", f.profile.Password)
	form.Set(tokenFieldName, ExtractToken(page.Body))
	form.Set("RememberMe", "false")

	resp, err := f.sess.PostForm(ctx, "/login", form, false)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	result.LoggedIn = f.sess.Check("login: success", err == nil && strings.Contains(resp.Body, "/logout"))
	return nil
}

func (f *Flow) search(ctx context.Context, result *IterationResult) error {
	res, err := f.sess.Get(ctx, "/search?q="+url.QueryEscape(f.cfg.SearchTerm))
	if ctx.Err() != nil {
		return ctx.Err()
	}
	f.sess.Check("search: results found", err == nil && res.Status == 200)

	link := ExtractProductLink(res.Body)
	if link == "" {
		logWarn("Flow", "no product link in search results", "term", f.cfg.SearchTerm, "url", res.URL)
		return nil
	}

	product, err := f.sess.Get(ctx, link)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		logWarn("Flow", "product page failed", "url", product.URL, "error", err)
	}

	result.ProductID = ExtractProductID(product.Body)
	f.sess.Check("product: id extracted", result.ProductID != "")
	return nil
}

func (f *Flow) addToCart(ctx context.Context, result *IterationResult) error {
	id := result.ProductID
	form := url.Values{}
	form.Set("addtocart_"+id+".EnteredQuantity", "1")

	res, err := f.sess.PostForm(ctx, "/addproducttocart/details/"+id+"/1", form, true)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	result.AddedToCart = f.sess.Check("cart: added successfully", err == nil && strings.Contains(res.Body, `"success":true`))
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
