package deepgram

import (
	"strings"

	"github.com/abadojack/whatlanggo"
)

// localeByLanguage maps ISO 639-1 codes to the regional locale used for
// recognition. Languages outside the map keep their raw code.
var localeByLanguage = map[string]string{
	"de": "de-DE",
	"en": "en-US",
	"es": "es-ES",
	"fr": "fr-FR",
	"hi": "hi-IN",
	"it": "it-IT",
	"ja": "ja-JP",
	"ko": "ko-KR",
	"nl": "nl-NL",
	"pt": "pt-BR",
	"ru": "ru-RU",
	"sv": "sv-SE",
	"tr": "tr-TR",
	"zh": "zh-CN",
}

// regionalLanguages are locales the recognizer accepts with the region
// intact; everything else is sent as the bare language code.
var regionalLanguages = map[string]bool{
	"en-US": true,
	"en-GB": true,
	"en-AU": true,
	"en-NZ": true,
	"en-IN": true,
	"pt-BR": true,
	"pt-PT": true,
	"zh-CN": true,
	"zh-TW": true,
}

// DetectLocale identifies the language of text and returns its recognition
// locale. Unreliable detections fall back to the given default.
func DetectLocale(text, fallback string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return fallback
	}

	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return fallback
	}
	code := info.Lang.Iso6391()
	if code == "" {
		return fallback
	}
	if locale, ok := localeByLanguage[code]; ok {
		return locale
	}
	return code
}

func localeToLanguage(locale string) string {
	if regionalLanguages[locale] {
		return locale
	}
	if i := strings.IndexByte(locale, '-'); i > 0 {
		return locale[:i]
	}
	return locale
}
