package main

import (
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
)

const (
	fakeProductID   = "31"
	fakeProductPath = "/141-inch-laptop"
	fakeCookieName  = "Nop.customer"
)

// fakeShop is a small stand-in for the nopCommerce demo store. It tracks a
// per-cookie session with the current anti-forgery token (rotated on every
// page load) and the position in the one-page checkout, and rejects
// stale tokens and out-of-order steps.
type fakeShop struct {
	t *testing.T

	mu        sync.Mutex
	users     map[string]string
	sessions  map[string]*fakeSession
	nextOrder int
	requests  []fakeRequest

	// failSteps makes an OPC endpoint answer with the given status.
	failSteps map[string]int
	omitToken bool
}

type fakeSession struct {
	token   string
	email   string
	cart    int
	step    CheckoutStep
	inOPC   bool
	orderID int
}

type fakeRequest struct {
	Method    string
	Path      string
	Token     string
	Ajax      bool
	Form      bool
	UserAgent string
	Session   string
}

func newFakeShop(t *testing.T) (*fakeShop, *httptest.Server) {
	t.Helper()

	shop := &fakeShop{
		t:         t,
		users:     make(map[string]string),
		sessions:  make(map[string]*fakeSession),
		nextOrder: 1000,
		failSteps: make(map[string]int),
	}

	srv := httptest.NewServer(shop.routes())
	t.Cleanup(srv.Close)
	return shop, srv
}

func (s *fakeShop) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.home)
	mux.HandleFunc("GET /register", s.registerPage)
	mux.HandleFunc("POST /register", s.register)
	mux.HandleFunc("GET /registerresult/1", s.registerResult)
	mux.HandleFunc("GET /login", s.loginPage)
	mux.HandleFunc("POST /login", s.login)
	mux.HandleFunc("GET /search", s.search)
	mux.HandleFunc("GET "+fakeProductPath, s.productPage)
	mux.HandleFunc("POST /addproducttocart/details/{id}/1", s.addToCart)
	mux.HandleFunc("GET /checkout", s.checkoutPage)
	for _, step := range CheckoutSteps() {
		mux.HandleFunc("POST "+step.Path(), s.opcStep(step))
	}
	mux.HandleFunc("GET /checkout/completed/", s.completed)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := s.sessionID(w, r)
		if r.Method == http.MethodPost {
			_ = r.ParseForm()
		}
		s.mu.Lock()
		s.requests = append(s.requests, fakeRequest{
			Method:    r.Method,
			Path:      r.URL.Path,
			Token:     r.PostFormValue(tokenFieldName),
			Ajax:      r.Header.Get("X-Requested-With") == "XMLHttpRequest",
			Form:      r.Header.Get("Content-Type") == "application/x-www-form-urlencoded",
			UserAgent: r.UserAgent(),
			Session:   id,
		})
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	})
}

func (s *fakeShop) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(fakeCookieName); err == nil {
		s.mu.Lock()
		_, known := s.sessions[c.Value]
		s.mu.Unlock()
		if known {
			return c.Value
		}
	}

	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = &fakeSession{}
	s.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: fakeCookieName, Value: id, Path: "/"})
	r.AddCookie(&http.Cookie{Name: fakeCookieName, Value: id})
	return id
}

func (s *fakeShop) session(r *http.Request) *fakeSession {
	c, err := r.Cookie(fakeCookieName)
	if err != nil {
		s.t.Errorf("request %s %s without session cookie", r.Method, r.URL.Path)
		return &fakeSession{}
	}
	sess, ok := s.sessions[c.Value]
	if !ok {
		s.t.Errorf("request %s %s with unknown session %s", r.Method, r.URL.Path, c.Value)
		return &fakeSession{}
	}
	return sess
}

// page renders an HTML page carrying a freshly rotated token.
func (s *fakeShop) page(w http.ResponseWriter, r *http.Request, content string) {
	s.mu.Lock()
	sess := s.session(r)
	sess.token = uuid.NewString()
	token := sess.token
	loggedIn := sess.email != ""
	omitToken := s.omitToken
	s.mu.Unlock()

	header := `<a href="/login" class="ico-login">Log in</a>`
	if loggedIn {
		header = `<a href="/logout" class="ico-logout">Log out</a>`
	}

	tokenInput := ""
	if !omitToken {
		tokenInput = fmt.Sprintf(`<input name="%s" type="hidden" value="%s" />`, tokenFieldName, html.EscapeString(token))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<!DOCTYPE html><html><head><title>Demo Web Shop</title></head><body>
<div class="header-links">%s</div>
<form method="post">%s</form>
%s
</body></html>`, header, tokenInput, content)
}

// validToken must be called with s.mu held.
func (s *fakeShop) validToken(r *http.Request, sess *fakeSession) bool {
	got := r.PostFormValue(tokenFieldName)
	return got != "" && got == sess.token
}

func (s *fakeShop) home(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, `<h2 class="topic-html-content-header">Welcome to our store</h2>`)
}

func (s *fakeShop) registerPage(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, `<div class="page registration-page"><h1>Register</h1></div>`)
}

func (s *fakeShop) register(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.session(r)
	ok := s.validToken(r, sess) &&
		r.PostFormValue("Email") != "" &&
		r.PostFormValue("Password") == r.PostFormValue("ConfirmPassword") &&
		r.PostFormValue("Gender") == "M"
	if ok {
		s.users[r.PostFormValue("Email")] = r.PostFormValue("Password")
		sess.email = r.PostFormValue("Email")
	}
	s.mu.Unlock()

	if !ok {
		http.Error(w, "The required anti-forgery form field is not present.", http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, "/registerresult/1", http.StatusFound)
}

func (s *fakeShop) registerResult(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, `<div class="result">Your registration completed</div>`)
}

func (s *fakeShop) loginPage(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, `<div class="page login-page"><h1>Welcome, Please Sign In!</h1></div>`)
}

func (s *fakeShop) login(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.session(r)
	email := r.PostFormValue("Email")
	password, known := s.users[email]
	ok := s.validToken(r, sess) && known && password == r.PostFormValue("Password")
	if ok {
		sess.email = email
	}
	s.mu.Unlock()

	if !ok {
		s.page(w, r, `<div class="validation-summary-errors">Login was unsuccessful.</div>`)
		return
	}
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *fakeShop) search(w http.ResponseWriter, r *http.Request) {
	if !strings.Contains(r.URL.Query().Get("q"), "Laptop") {
		s.page(w, r, `<div class="search-results"><strong class="result">No products were found that matched your criteria.</strong></div>`)
		return
	}
	s.page(w, r, `<div class="search-results"><div class="product-item">
<h2 class="product-title">
<a href="`+fakeProductPath+`">14.1-inch Laptop</a>
</h2></div></div>`)
}

func (s *fakeShop) productPage(w http.ResponseWriter, r *http.Request) {
	s.page(w, r, `<h1 itemprop="name">14.1-inch Laptop</h1>
<input class="qty-input" data-val="true" id="addtocart_`+fakeProductID+`_EnteredQuantity" name="addtocart_`+fakeProductID+`.EnteredQuantity" type="text" value="1" />`)
}

func (s *fakeShop) addToCart(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	qty := r.PostFormValue("addtocart_" + id + ".EnteredQuantity")

	w.Header().Set("Content-Type", "application/json")
	if id != fakeProductID || qty != "1" {
		fmt.Fprint(w, `{"success":false,"message":"No product found"}`)
		return
	}

	s.mu.Lock()
	s.session(r).cart++
	s.mu.Unlock()
	fmt.Fprint(w, `{"success":true,"message":"The product has been added to your shopping cart"}`)
}

func (s *fakeShop) checkoutPage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.session(r)
	ready := sess.email != "" && sess.cart > 0
	if ready {
		sess.inOPC = true
		sess.step = StepBilling
	}
	s.mu.Unlock()

	if !ready {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	s.page(w, r, `<div class="page checkout-page"><ol class="opc" id="checkout-steps"><li id="opc-billing" class="tab-section allow active"></li></ol></div>`)
}

func (s *fakeShop) opcStep(step CheckoutStep) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		sess := s.session(r)
		status, inject := s.failSteps[step.Path()]
		inOrder := sess.inOPC && sess.step == step
		tokenOK := s.validToken(r, sess)
		if !inject && inOrder && tokenOK {
			sess.step = step.Next()
			if step == StepConfirm {
				s.nextOrder++
				sess.orderID = s.nextOrder
				sess.cart = 0
				sess.inOPC = false
			}
		}
		s.mu.Unlock()

		switch {
		case inject:
			http.Error(w, "injected failure", status)
		case !tokenOK:
			http.Error(w, "The anti-forgery token could not be decrypted.", http.StatusBadRequest)
		case !inOrder:
			http.Error(w, `{"error":1,"message":"step out of order"}`, http.StatusBadRequest)
		default:
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"update_section":{"name":"%s"},"goto_section":"%s"}`, step, step.Next())
		}
	}
}

func (s *fakeShop) completed(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	orderID := s.session(r).orderID
	s.mu.Unlock()

	if orderID == 0 {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	s.page(w, r, fmt.Sprintf(`<div class="page checkout-page"><div class="section order-completed">
<div class="title"><strong>Your order has been successfully processed!</strong></div>
<ul class="details"><li>Order number: %d</li></ul>
</div></div>`, orderID))
}

func (s *fakeShop) requestsTo(method, path string) []fakeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []fakeRequest
	for _, r := range s.requests {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

func (s *fakeShop) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *fakeShop) failStep(step CheckoutStep, status int) {
	s.mu.Lock()
	s.failSteps[step.Path()] = status
	s.mu.Unlock()
}

func (s *fakeShop) setOmitToken(omit bool) {
	s.mu.Lock()
	s.omitToken = omit
	s.mu.Unlock()
}

func (s *fakeShop) addUser(email, password string) {
	s.mu.Lock()
	s.users[email] = password
	s.mu.Unlock()
}

// testConfig points a default config at srv with no think time.
func testConfig(srv *httptest.Server) *Config {
	config := DefaultConfig()
	config.BaseURL = srv.URL
	config.ThinkTimeSeconds = 0
	config.RequestTimeoutSeconds = 5
	config.Load.DurationSeconds = 0
	config.Load.Iterations = 1
	return config
}
