package enrich

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripTags(t *testing.T) {
	html := `<html><head><style>.x{color:red}</style>
<script>var x = "<b>ignored</b>";</script></head>
<body><h1>ATORVASTATINE</h1>
<p>Classe pharmacoth&eacute;rapeutique&nbsp;: inhibiteurs de l'HMG-CoA r&eacute;ductase.</p>
<p>Code ATC : <b>C10A A07</b></p></body></html>`

	text := StripTags(html)
	assert.Equal(t,
		"ATORVASTATINE Classe pharmacothérapeutique : inhibiteurs de l'HMG-CoA réductase. Code ATC : C10A A07",
		text)
}

func TestExtractATCFromHTML(t *testing.T) {
	code, ok := ExtractATCFromHTML(`<p>Code ATC&nbsp;: <span>C10A&nbsp;A07</span></p>`)
	require.True(t, ok)
	assert.Equal(t, "C10AA07", code)

	_, ok = ExtractATCFromHTML(`<p>Aucune classification ici.</p>`)
	assert.False(t, ok)
}

func TestPageURLs(t *testing.T) {
	assert.Equal(t,
		"https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250",
		MedicamentPageURL("61266250"))
	assert.Equal(t,
		"https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250/extrait?tab=rcp",
		RCPPageURL("61266250"))
	assert.Equal(t,
		"https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250/extrait?tab=rcp-et-notice",
		NoticePageURL("61266250"))
}

func TestFindPDFCandidates_DirectPDFWins(t *testing.T) {
	html := `
<a href="/medicament/61266250/extrait?tab=rcp">RCP</a>
<a href="/telechargement/R0312345.pdf">Télécharger le RCP</a>
<a href="https://ema.europa.eu/documents/product-information/lipitor">EMA</a>`

	pdfURL, followups := FindPDFCandidates("https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250", html)
	assert.Equal(t, "https://base-donnees-publique.medicaments.gouv.fr/telechargement/R0312345.pdf", pdfURL)
	assert.Empty(t, followups)
}

func TestFindPDFCandidates_Followups(t *testing.T) {
	html := `
<a href="/accueil">Accueil</a>
<a href="/medicament/61266250/extrait?tab=rcp"><span>Voir le RCP</span></a>
<a href="//ema.europa.eu/en/documents/product-information/lipitor-epar">Product information</a>
<a href="mailto:contact@example.org">Contact</a>
<a href="#haut">Haut de page</a>`

	pdfURL, followups := FindPDFCandidates("https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250", html)
	assert.Empty(t, pdfURL)
	require.Len(t, followups, 2)
	assert.Equal(t, "https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250/extrait?tab=rcp", followups[0])
	// cross-host EMA links are kept, protocol-relative hrefs resolved to https
	assert.Equal(t, "https://ema.europa.eu/en/documents/product-information/lipitor-epar", followups[1])
}

func TestFindPDFCandidates_Deduplicates(t *testing.T) {
	html := `
<a href="/extrait?tab=rcp">RCP</a>
<a href="/extrait?tab=rcp#section1">RCP</a>`

	_, followups := FindPDFCandidates("https://base-donnees-publique.medicaments.gouv.fr/medicament/61266250", html)
	assert.Len(t, followups, 1)
}
