package enrich

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/ordolab/bdpm-sync/internal/atc"
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script.*?</script>`)
	styleRe  = regexp.MustCompile(`(?is)<style.*?</style>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)

	entities = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&eacute;", "é",
		"&egrave;", "è",
		"&agrave;", "à",
	)
)

// StripTags reduces an HTML document to its flat visible text.
func StripTags(html string) string {
	s := scriptRe.ReplaceAllString(html, " ")
	s = styleRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, " ")
	s = entities.Replace(s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ExtractATCFromHTML strips the page to text and scans it for a code.
func ExtractATCFromHTML(html string) (string, bool) {
	return atc.ExtractFromText(StripTags(html))
}

// MedicamentPageURL returns the registry record page for a CIS.
func MedicamentPageURL(cis string) string {
	return "https://base-donnees-publique.medicaments.gouv.fr/medicament/" + cis
}

// RCPPageURL returns the registry extract page for a CIS, on the RCP tab.
func RCPPageURL(cis string) string {
	return MedicamentPageURL(cis) + "/extrait?tab=rcp"
}

// NoticePageURL returns the combined RCP-and-notice extract page for a CIS.
func NoticePageURL(cis string) string {
	return MedicamentPageURL(cis) + "/extrait?tab=rcp-et-notice"
}

type link struct {
	label string
	url   string
}

// parseLinks extracts anchors (href plus flattened label) from HTML,
// resolving relative URLs against base. Cross-host links are kept: RCP
// documents are frequently hosted on ema.europa.eu.
func parseLinks(html string, base *url.URL) []link {
	var links []link
	seen := make(map[string]bool)

	idx := 0
	for {
		pos := strings.Index(html[idx:], "<a ")
		if pos == -1 {
			break
		}
		idx += pos

		tagEnd := strings.Index(html[idx:], ">")
		if tagEnd == -1 {
			break
		}
		tag := html[idx : idx+tagEnd+1]

		var label string
		if close := strings.Index(html[idx+tagEnd:], "</a>"); close != -1 {
			label = StripTags(html[idx+tagEnd+1 : idx+tagEnd+close])
		}
		idx += tagEnd + 1

		href := attrValue(tag, "href")
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") ||
			strings.HasPrefix(href, "mailto:") {
			continue
		}
		// protocol-relative links ("//ema.europa.eu/...")
		if strings.HasPrefix(href, "//") {
			href = "https:" + href
		}

		resolved, err := url.Parse(href)
		if err != nil {
			continue
		}
		absolute := base.ResolveReference(resolved)
		if absolute.Scheme != "http" && absolute.Scheme != "https" {
			continue
		}
		absolute.Fragment = ""

		normalized := absolute.String()
		if !seen[normalized] {
			seen[normalized] = true
			links = append(links, link{label: strings.ToLower(label), url: normalized})
		}
	}

	return links
}

func attrValue(tag, name string) string {
	pos := strings.Index(tag, name+`="`)
	if pos == -1 {
		return ""
	}
	start := pos + len(name) + 2
	end := strings.Index(tag[start:], `"`)
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(tag[start : start+end])
}

// FindPDFCandidates scans page HTML for document links. It returns the first
// direct .pdf link if one exists, plus follow-up page URLs likely to lead to
// the RCP (labels mentioning rcp/notice, EMA product information pages).
func FindPDFCandidates(baseURL, html string) (pdfURL string, followups []string) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", nil
	}

	links := parseLinks(html, base)

	for _, l := range links {
		if strings.HasSuffix(strings.ToLower(l.url), ".pdf") {
			return l.url, nil
		}
	}

	for _, l := range links {
		if strings.Contains(l.label, "rcp") ||
			strings.Contains(l.label, "notice") ||
			strings.Contains(l.url, "product-information") ||
			strings.Contains(l.url, "ema.europa.eu") {
			followups = append(followups, l.url)
		}
	}
	return "", followups
}
