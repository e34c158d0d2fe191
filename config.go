package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	FailurePolicyContinue = "continue"
	FailurePolicyAbort    = "abort"
)

type Config struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`

	RequestTimeoutSeconds int     `yaml:"request_timeout_seconds"`
	ThinkTimeSeconds      float64 `yaml:"think_time_seconds"`

	SearchTerm string `yaml:"search_term"`

	User     UserConfig     `yaml:"user"`
	Checkout CheckoutConfig `yaml:"checkout"`
	Load     ScenarioConfig `yaml:"load"`
	Browser  BrowserConfig  `yaml:"browser"`

	DebugMode bool `yaml:"debug_mode"`
}

type UserConfig struct {
	EmailPrefix string `yaml:"email_prefix"`
	Password    string `yaml:"password"`
	FirstName   string `yaml:"first_name"`
	LastName    string `yaml:"last_name"`
	CountryID   string `yaml:"country_id"`
}

type AddressConfig struct {
	StateProvinceID string `yaml:"state_province_id"`
	City            string `yaml:"city"`
	Address1        string `yaml:"address1"`
	ZipPostalCode   string `yaml:"zip_postal_code"`
	PhoneNumber     string `yaml:"phone_number"`
}

type CheckoutConfig struct {
	Billing        AddressConfig `yaml:"billing"`
	Shipping       AddressConfig `yaml:"shipping"`
	ShippingOption string        `yaml:"shipping_option"`
	PaymentMethod  string        `yaml:"payment_method"`

	// OnStepFailure is "continue" or "abort".
	OnStepFailure string `yaml:"on_step_failure"`
}

type ScenarioConfig struct {
	VUs                    int     `yaml:"vus"`
	DurationSeconds        int     `yaml:"duration_seconds"`
	Iterations             int     `yaml:"iterations"`
	MaxIterationsPerSecond float64 `yaml:"max_iterations_per_second"`
	StartAt                string  `yaml:"start_at"`

	// SyncClock measures start_at against the shop's Date header.
	SyncClock bool `yaml:"sync_clock"`

	Thresholds ThresholdConfig `yaml:"thresholds"`
}

type ThresholdConfig struct {
	MaxFailedRate float64 `yaml:"max_failed_rate"`
	MaxP95Millis  int     `yaml:"max_p95_ms"`
}

type BrowserConfig struct {
	Headless           bool   `yaml:"headless"`
	BrowserProfilePath string `yaml:"browser_profile_path"`
	PageLoadTimeout    int    `yaml:"page_load_timeout"`
	StepTimeout        int    `yaml:"step_timeout"`
	ViewportWidth      int    `yaml:"viewport_width"`
	ViewportHeight     int    `yaml:"viewport_height"`
	Stealth            bool   `yaml:"stealth"`
}

func DefaultConfig() *Config {
	return &Config{
		BaseURL:               "https://demowebshop.tricentis.com",
		UserAgent:             "checkoutdrill/1.0",
		RequestTimeoutSeconds: 30,
		ThinkTimeSeconds:      1,
		SearchTerm:            "14.1-inch Laptop",
		User: UserConfig{
			EmailPrefix: "teste.drill",
			Password:    "Password123!",
			FirstName:   "Luis",
			LastName:    "Teste",
			CountryID:   "1",
		},
		Checkout: CheckoutConfig{
			Billing: AddressConfig{
				StateProvinceID: "1",
				City:            "New York",
				Address1:        "Street 1",
				ZipPostalCode:   "10001",
				PhoneNumber:     "1234567890",
			},
			Shipping: AddressConfig{
				StateProvinceID: "1",
				City:            "New York",
				Address1:        "Street 1",
				ZipPostalCode:   "10001",
				PhoneNumber:     "12345678",
			},
			ShippingOption: "Ground___Shipping.FixedRate",
			PaymentMethod:  "Payments.CashOnDelivery",
			OnStepFailure:  FailurePolicyContinue,
		},
		Load: ScenarioConfig{
			VUs:             1,
			DurationSeconds: 45,
			SyncClock:       true,
			Thresholds: ThresholdConfig{
				MaxFailedRate: 0.01,
				MaxP95Millis:  5000,
			},
		},
		Browser: BrowserConfig{
			Headless:        true,
			PageLoadTimeout: 30,
			StepTimeout:     10,
			ViewportWidth:   1920,
			ViewportHeight:  1080,
			Stealth:         true,
		},
		DebugMode: false,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.Save(path); err != nil {
			return nil, err
		}
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if config.Browser.BrowserProfilePath != "" {
		if err := os.MkdirAll(config.Browser.BrowserProfilePath, 0755); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

func (c *Config) Validate() error {
	var errs []error

	if c.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required"))
	}
	if c.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("request_timeout_seconds must be positive"))
	}
	if c.ThinkTimeSeconds < 0 {
		errs = append(errs, errors.New("think_time_seconds must not be negative"))
	}
	switch c.Checkout.OnStepFailure {
	case FailurePolicyContinue, FailurePolicyAbort:
	default:
		errs = append(errs, fmt.Errorf("checkout.on_step_failure must be %q or %q, got %q",
			FailurePolicyContinue, FailurePolicyAbort, c.Checkout.OnStepFailure))
	}
	if c.Load.VUs < 1 {
		errs = append(errs, errors.New("load.vus must be at least 1"))
	}
	if c.Load.DurationSeconds <= 0 && c.Load.Iterations <= 0 {
		errs = append(errs, errors.New("load needs duration_seconds or iterations"))
	}
	if c.Load.MaxIterationsPerSecond < 0 {
		errs = append(errs, errors.New("load.max_iterations_per_second must not be negative"))
	}
	if c.Load.StartAt != "" {
		if _, err := ParseStartTime(c.Load.StartAt); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c *Config) ThinkTime() time.Duration {
	return time.Duration(c.ThinkTimeSeconds * float64(time.Second))
}

func (l ScenarioConfig) Duration() time.Duration {
	return time.Duration(l.DurationSeconds) * time.Second
}

func (t ThresholdConfig) MaxP95() time.Duration {
	return time.Duration(t.MaxP95Millis) * time.Millisecond
}
