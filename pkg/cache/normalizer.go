package cache

import (
	"regexp"
	"strings"
	"unicode"
)

// QueryNormalizer canonicalizes raw query text and classifies its intent.
// Implementations must be pure and deterministic: no I/O, no shared mutable
// state, safe to call concurrently without synchronization.
type QueryNormalizer interface {
	Normalize(query string) NormalizedQuery
}

// intentPattern pairs an intent with the patterns that signal it
type intentPattern struct {
	intent   Intent
	patterns []*regexp.Regexp
}

// DefaultQueryNormalizer implements standard query normalization:
// lowercasing, punctuation stripping, whitespace collapsing, synonym and
// unit substitution, entity extraction, and keyword-based intent
// classification. Unrecognized input degrades to a normalized-but-lookup
// form; Normalize never fails.
type DefaultQueryNormalizer struct {
	whitespaceRegex  *regexp.Regexp
	punctuationRegex *regexp.Regexp
	quantityRegex    *regexp.Regexp
	productCodeRegex *regexp.Regexp
	synonyms         map[string]string
	units            map[string]string
	stopWords        map[string]bool
	enableStopWords  bool
	intentPatterns   []intentPattern
}

// NewQueryNormalizer creates a normalizer with the built-in synonym and
// unit tables
func NewQueryNormalizer() QueryNormalizer {
	return NewQueryNormalizerWithSynonyms(nil)
}

// NewQueryNormalizerWithSynonyms creates a normalizer with extra synonyms
// merged over the built-in table. The table is resolved to fixed points at
// construction (chains like a->b->c collapse to a->c) and is immutable
// afterwards.
func NewQueryNormalizerWithSynonyms(extra map[string]string) QueryNormalizer {
	synonyms := getDefaultSynonyms()
	for k, v := range extra {
		synonyms[strings.ToLower(k)] = strings.ToLower(v)
	}
	resolveSynonymChains(synonyms)

	return &DefaultQueryNormalizer{
		whitespaceRegex: regexp.MustCompile(`\s+`),
		// Unicode-aware so accented characters survive normalization
		punctuationRegex: regexp.MustCompile(`[^\p{L}\p{N}\s-]`),
		quantityRegex:    regexp.MustCompile(`(\d+(?:[.,]\d+)?)\s*(kg|kilos?|kilogramos?|gr|gramos?|lts?|litros?|lbs?|libras?|mts?|metros?)\b`),
		productCodeRegex: regexp.MustCompile(`\b[a-z]{2,5}-\d{2,6}\b`),
		synonyms:         synonyms,
		units:            getUnitTable(),
		stopWords:        getDefaultStopWords(),
		enableStopWords:  true,
		intentPatterns:   getIntentPatterns(),
	}
}

// Normalize processes a query into its canonical form plus intent and
// entities. Idempotent on the canonical text: normalizing an already
// canonical string yields the same string.
func (n *DefaultQueryNormalizer) Normalize(query string) NormalizedQuery {
	if strings.TrimSpace(query) == "" {
		return NormalizedQuery{Intent: IntentLookup}
	}

	lowered := strings.ToLower(strings.TrimSpace(query))

	// Intent and entities come from the raw lowered text, before stop
	// words and punctuation are gone
	intent := n.classifyIntent(lowered)
	entities := n.extractEntities(lowered)

	// Remove punctuation except hyphens, collapse whitespace
	normalized := n.punctuationRegex.ReplaceAllString(lowered, " ")
	normalized = n.whitespaceRegex.ReplaceAllString(normalized, " ")

	words := strings.Fields(normalized)
	filtered := make([]string, 0, len(words))
	for _, word := range words {
		if n.enableStopWords && n.stopWords[word] {
			continue
		}
		if len(word) < 2 && !isNumber(word) {
			continue
		}

		// Units first, then synonyms; both tables are fixed points so a
		// second pass changes nothing
		if unit, ok := n.units[word]; ok {
			word = unit
		}
		if canonical, ok := n.synonyms[word]; ok {
			word = canonical
		}

		filtered = append(filtered, word)
	}

	canonical := strings.Join(deduplicateConsecutive(filtered), " ")

	return NormalizedQuery{
		Canonical: canonical,
		Intent:    intent,
		Entities:  entities,
	}
}

// classifyIntent matches the query against the pattern table, first match
// wins; defaults to lookup
func (n *DefaultQueryNormalizer) classifyIntent(lowered string) Intent {
	for _, ip := range n.intentPatterns {
		for _, p := range ip.patterns {
			if p.MatchString(lowered) {
				return ip.intent
			}
		}
	}
	return IntentLookup
}

// extractEntities pulls quantities, units, and product identifiers out of
// the raw lowered text
func (n *DefaultQueryNormalizer) extractEntities(lowered string) []Entity {
	var entities []Entity

	for _, m := range n.quantityRegex.FindAllStringSubmatch(lowered, -1) {
		amount := strings.ReplaceAll(m[1], ",", ".")
		unit := m[2]
		if canonical, ok := n.units[unit]; ok {
			unit = canonical
		}
		entities = append(entities, Entity{
			Kind:      EntityQuantity,
			Raw:       m[0],
			Canonical: amount + " " + unit,
		})
	}

	for _, code := range n.productCodeRegex.FindAllString(lowered, -1) {
		entities = append(entities, Entity{
			Kind:      EntityProductCode,
			Raw:       code,
			Canonical: code,
		})
	}

	return entities
}

// isNumber checks if a string is numeric
func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

// deduplicateConsecutive removes consecutive duplicate words
func deduplicateConsecutive(words []string) []string {
	if len(words) <= 1 {
		return words
	}

	result := make([]string, 0, len(words))
	result = append(result, words[0])
	for i := 1; i < len(words); i++ {
		if words[i] != words[i-1] {
			result = append(result, words[i])
		}
	}
	return result
}

// resolveSynonymChains rewrites the table so every value is a fixed point.
// Required for idempotent normalization.
func resolveSynonymChains(synonyms map[string]string) {
	for key := range synonyms {
		target := synonyms[key]
		seen := map[string]bool{key: true}
		for {
			next, ok := synonyms[target]
			if !ok || seen[target] {
				break
			}
			seen[target] = true
			target = next
		}
		synonyms[key] = target
	}
}

// getIntentPatterns returns the closed intent set and its trigger patterns.
// Order matters: the first matching intent wins.
func getIntentPatterns() []intentPattern {
	compile := func(patterns ...string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			out = append(out, regexp.MustCompile(p))
		}
		return out
	}

	return []intentPattern{
		{
			intent: IntentComparison,
			patterns: compile(
				`\bvs\.?\b`, `\bversus\b`, `\bcompar`, `\bdiferencia\b`,
				`\bmejor que\b`, `\bdifference\b`, `\bbetter than\b`,
			),
		},
		{
			intent: IntentPrice,
			patterns: compile(
				`\bprecio`, `\bcu[áa]nto (cuesta|vale)`, `\bcotiza`,
				`\bprice\b`, `\bcost\b`, `\bhow much\b`, `\bvalor\b`,
			),
		},
		{
			intent: IntentAvailability,
			patterns: compile(
				`\bdisponib`, `\bhay\b`, `\bstock\b`, `\bexistencia`,
				`\btienen\b`, `\bavailab`, `\bin stock\b`,
			),
		},
		{
			intent: IntentInformational,
			patterns: compile(
				`\bqu[ée] es\b`, `\bc[óo]mo\b`, `\bpara qu[ée] sirve\b`,
				`\bcaracter[íi]sticas\b`, `\bwhat is\b`, `\bhow (to|do)\b`,
				`\bspecs?\b`,
			),
		},
	}
}

// getUnitTable maps unit surface forms to canonical units. Values are
// fixed points of the table.
func getUnitTable() map[string]string {
	return map[string]string{
		"kg":         "kg",
		"kilo":       "kg",
		"kilos":      "kg",
		"kilogramo":  "kg",
		"kilogramos": "kg",
		"gr":         "g",
		"gramo":      "g",
		"gramos":     "g",
		"lt":         "l",
		"lts":        "l",
		"litro":      "l",
		"litros":     "l",
		"lb":         "lb",
		"lbs":        "lb",
		"libra":      "lb",
		"libras":     "lb",
		"mt":         "m",
		"mts":        "m",
		"metro":      "m",
		"metros":     "m",
	}
}

// getDefaultSynonyms returns the built-in many-to-one synonym table
func getDefaultSynonyms() map[string]string {
	return map[string]string{
		// Commerce surface forms
		"cotizacion":  "precio",
		"cotización":  "precio",
		"costo":       "precio",
		"disponibles": "disponible",
		"quedan":      "disponible",
		"envio":       "envío",
		"despacho":    "envío",

		// Common abbreviations
		"application":    "app",
		"aplicacion":     "app",
		"aplicación":     "app",
		"database":       "db",
		"configuration":  "config",
		"configuracion":  "config",
		"configuración":  "config",
		"authentication": "auth",

		// Plural to singular, basic cases
		"productos":  "producto",
		"products":   "product",
		"servicios":  "servicio",
		"resultados": "resultado",
		"queries":    "query",
		"consultas":  "consulta",
	}
}

// getDefaultStopWords returns common English and Spanish stop words
func getDefaultStopWords() map[string]bool {
	words := []string{
		// English
		"a", "an", "the", "i", "me", "my", "we", "our", "you", "your",
		"he", "his", "she", "her", "it", "its", "they", "them", "their",
		"is", "am", "are", "was", "were", "be", "been", "being",
		"have", "has", "had", "do", "does", "did", "will", "would",
		"should", "could", "can", "may", "might", "must",
		"at", "by", "for", "with", "about", "into", "through", "from",
		"to", "up", "down", "in", "out", "on", "off", "over", "under",
		"and", "but", "or", "nor", "if", "then", "else", "so", "than",
		"this", "that", "these", "those", "there", "here",
		// Spanish
		"el", "la", "los", "las", "un", "una", "unos", "unas",
		"de", "del", "al", "en", "por", "para", "con", "sin",
		"es", "son", "está", "estan", "están", "ser", "estar",
		"que", "qué", "y", "o", "u", "e", "pero", "si", "no",
		"me", "te", "se", "nos", "les", "lo", "le", "su", "sus",
		"mi", "tu", "este", "esta", "esto", "ese", "esa", "eso",
	}

	stopWords := make(map[string]bool, len(words))
	for _, w := range words {
		stopWords[w] = true
	}
	return stopWords
}
