package config

// Cell type codes in the fixed PanNuke-compatible taxonomy. Statistics
// and rendering key off these six values everywhere.
const (
	CellTypeBackground   = 0
	CellTypeNeoplastic   = 1
	CellTypeInflammatory = 2
	CellTypeConnective   = 3
	CellTypeDead         = 4
	CellTypeEpithelial   = 5
)

var cellTypeNames = map[int]string{
	CellTypeBackground:   "Background",
	CellTypeNeoplastic:   "Neoplastic",
	CellTypeInflammatory: "Inflammatory",
	CellTypeConnective:   "Connective",
	CellTypeDead:         "Dead",
	CellTypeEpithelial:   "Non-Neoplastic Epithelial",
}

// CellTypeName returns the display name for a cell type code, or
// "Unknown" for codes outside the taxonomy.
func CellTypeName(cellType int) string {
	if name, ok := cellTypeNames[cellType]; ok {
		return name
	}
	return "Unknown"
}

// CellTypeCount is the number of classes in the taxonomy.
const CellTypeCount = 6
