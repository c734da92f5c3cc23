package api

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/fruitsalade/filebrowser/internal/logging"
)

const localeCookie = "filebrowser_locale"

// macedonian holds the page strings for "mk". English strings are the keys.
var macedonian = map[string]string{
	"File Browser":          "Прелистувач на датотеки",
	"Index":                 "Почеток",
	"Logout":                "Одјава",
	"Free space":            "Слободен простор",
	"development":           "развој",
	"Name":                  "Име",
	"Size":                  "Големина",
	"Modified":              "Изменето",
	"Delete":                "Избриши",
	"This folder is empty":  "Оваа папка е празна",
	"Upload":                "Прикачи",
	"Folder name":           "Име на папка",
	"New folder":            "Нова папка",
	"Back to index":         "Назад кон почеток",
	"Error":                 "Грешка",
	"Something went wrong while handling your request.": "Настана грешка при обработка на барањето.",
}

// localeOption is one entry of the locale switcher.
type localeOption struct {
	Code   string
	Label  string
	Active bool
}

// locales negotiates the page language among the configured locales.
type locales struct {
	tags    []language.Tag
	codes   []string
	matcher language.Matcher
	catalog *catalog.Builder
}

// newLocales parses configured locale names such as "en" or "MK_mk". The
// first valid entry is the fallback.
func newLocales(names []string) *locales {
	l := &locales{catalog: catalog.NewBuilder(catalog.Fallback(language.English))}
	for _, name := range names {
		tag, err := language.Parse(strings.ReplaceAll(name, "_", "-"))
		if err != nil {
			logging.Warn("ignoring unsupported locale", zap.String("locale", name), zap.Error(err))
			continue
		}
		l.tags = append(l.tags, tag)
		l.codes = append(l.codes, tag.String())
	}
	if len(l.tags) == 0 {
		l.tags = []language.Tag{language.English}
		l.codes = []string{language.English.String()}
	}
	l.matcher = language.NewMatcher(l.tags)

	for _, tag := range l.tags {
		if base, _ := tag.Base(); base.String() == "mk" {
			for key, msg := range macedonian {
				l.catalog.SetString(tag, key, msg)
			}
		}
	}
	return l
}

// negotiate picks the locale for r: an explicit ?lang= (remembered in a
// cookie), then the cookie, then Accept-Language.
func (l *locales) negotiate(w http.ResponseWriter, r *http.Request) language.Tag {
	var prefs []string
	if lang := r.URL.Query().Get("lang"); lang != "" {
		prefs = append(prefs, lang)
		http.SetCookie(w, &http.Cookie{
			Name:     localeCookie,
			Value:    lang,
			Path:     "/",
			Expires:  time.Now().Add(365 * 24 * time.Hour),
			HttpOnly: true,
			SameSite: http.SameSiteLaxMode,
		})
	}
	if c, err := r.Cookie(localeCookie); err == nil {
		prefs = append(prefs, c.Value)
	}
	prefs = append(prefs, r.Header.Get("Accept-Language"))

	_, index := language.MatchStrings(l.matcher, prefs...)
	return l.tags[index]
}

// printer returns a translating printer for tag.
func (l *locales) printer(tag language.Tag) *message.Printer {
	return message.NewPrinter(tag, message.Catalog(l.catalog))
}

// options lists the switcher entries with the active one marked.
func (l *locales) options(active language.Tag) []localeOption {
	opts := make([]localeOption, len(l.tags))
	for i, tag := range l.tags {
		label := display.Self.Name(tag)
		if label == "" {
			label = l.codes[i]
		}
		opts[i] = localeOption{Code: l.codes[i], Label: label, Active: tag == active}
	}
	return opts
}
