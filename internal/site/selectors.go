// Package site holds the URLs and DOM selectors of the people-search site.
// Selectors starting with "/" or "(" are XPath; everything else is CSS.
package site

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"
)

// Selectors locates every UI element the harvester touches.
type Selectors struct {
	SearchBox  string `mapstructure:"search_box"`
	PillPeople string `mapstructure:"pill_people"`

	// Primary strategy: the "Current company" pill dropdown.
	PillCurrentCompany string `mapstructure:"pill_current_company"`
	CompanyList        string `mapstructure:"company_list"`
	CompanyLabel       string `mapstructure:"company_label"`
	CompanyCheckbox    string `mapstructure:"company_checkbox"`
	ShowResults        string `mapstructure:"show_results"`

	// Fallback strategy: the "All filters" drawer.
	AllFilters          string `mapstructure:"all_filters"`
	DrawerCompanyList   string `mapstructure:"drawer_company_list"`
	DrawerCompanyLabel  string `mapstructure:"drawer_company_label"`
	DrawerShowResults   string `mapstructure:"drawer_show_results"`
	ActiveFilterConfirm string `mapstructure:"active_filter_confirm"`

	ResultLinks     string `mapstructure:"result_links"`
	PaginationState string `mapstructure:"pagination_state"`
	PaginationNext  string `mapstructure:"pagination_next"`

	MainText          string `mapstructure:"main_text"`
	ContactInfoButton string `mapstructure:"contact_info_button"`
	ContactModal      string `mapstructure:"contact_modal"`
	ContactModalBody  string `mapstructure:"contact_modal_body"`
	ContactUpsell     string `mapstructure:"contact_upsell"`
	ContactClose      string `mapstructure:"contact_close"`

	LoginUsername string `mapstructure:"login_username"`
	LoginPassword string `mapstructure:"login_password"`
}

// DefaultSelectors matches the site's markup at the time of writing.
func DefaultSelectors() Selectors {
	return Selectors{
		SearchBox:  `input[role="combobox"][aria-label="Search"]`,
		PillPeople: `//button[normalize-space()="People"]`,

		PillCurrentCompany: `#searchFilter_currentCompany`,
		CompanyList:        `ul.search-reusables__collection-values-container li`,
		CompanyLabel:       `label span.t-14`,
		CompanyCheckbox:    `input[type='checkbox']`,
		ShowResults:        `//span[normalize-space()="Show results"]/ancestor::button`,

		AllFilters:          `//button[normalize-space()="All filters"]`,
		DrawerCompanyList:   `fieldset[data-test-filter-section="currentCompany"] li`,
		DrawerCompanyLabel:  `label span.t-14`,
		DrawerShowResults:   `//button[contains(@aria-label, "Apply current filters")]`,
		ActiveFilterConfirm: `#searchFilter_currentCompany[aria-pressed="true"], button[aria-label*="Current company filter"][aria-pressed="true"]`,

		ResultLinks:     `a[data-test-app-aware-link][href*="/in/"]`,
		PaginationState: `div.artdeco-pagination__page-state, span.artdeco-pagination__page-state`,
		PaginationNext:  `//button[@aria-label="Next" and not(@disabled)]`,

		MainText:          `main`,
		ContactInfoButton: `#top-card-text-details-contact-info`,
		ContactModal:      `div.artdeco-modal`,
		ContactModalBody:  `div.pv-profile-section__section-info`,
		ContactUpsell:     `div.card-upsell-v2__text-container`,
		ContactClose:      `button.artdeco-modal__dismiss`,

		LoginUsername: `input#username, input[name='session_key']`,
		LoginPassword: `input#password, input[name='session_password']`,
	}
}

// WithDefaults fills every empty selector from DefaultSelectors.
func (s Selectors) WithDefaults() Selectors {
	def := reflect.ValueOf(DefaultSelectors())
	out := reflect.ValueOf(&s).Elem()
	for i := range out.NumField() {
		if strings.TrimSpace(out.Field(i).String()) == "" {
			out.Field(i).SetString(def.Field(i).String())
		}
	}
	return s
}

// URLs are the site locations the harvester navigates to.
type URLs struct {
	Base      string `mapstructure:"base_url"`
	LoginPath string `mapstructure:"login_path"`
	FeedPath  string `mapstructure:"feed_path"`
}

// DefaultURLs returns the production site locations.
func DefaultURLs() URLs {
	return URLs{
		Base:      "https://www.linkedin.com",
		LoginPath: "/login",
		FeedPath:  "/feed",
	}
}

// Home is the landing page carrying the global search box.
func (u URLs) Home() string { return strings.TrimRight(u.Base, "/") + "/" }

// Login is the sign-in page.
func (u URLs) Login() string { return strings.TrimRight(u.Base, "/") + u.LoginPath }

// Feed is the page a signed-in session lands on.
func (u URLs) Feed() string { return strings.TrimRight(u.Base, "/") + u.FeedPath }

// Resolve makes href absolute against the base URL.
func (u URLs) Resolve(href string) (string, error) {
	base, err := url.Parse(u.Home())
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("parse href %q: %w", href, err)
	}
	return base.ResolveReference(ref).String(), nil
}
