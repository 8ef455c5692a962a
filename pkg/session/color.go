package session

var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// nextColor picks the first palette entry not used by another user in the
// session, cycling once the palette is exhausted.
func nextColor(used map[string]bool, n int) string {
	for _, c := range palette {
		if !used[c] {
			return c
		}
	}
	return palette[n%len(palette)]
}
