package migration

// Review is the operator-facing view of extracted field pairs, grouped by
// asset type in canonical type order.
type Review struct {
	Root      AssetRef        `json:"root"`
	ProjectID string          `json:"project_id"`
	Sections  []ReviewSection `json:"sections"`
}

// ReviewSection holds the assets of one type.
type ReviewSection struct {
	Type   AssetType     `json:"type"`
	Assets []AssetFields `json:"assets"`
}

// NewReview arranges data for display. Types without assets are omitted.
func NewReview(root AssetRef, projectID string, data map[AssetType][]AssetFields) Review {
	r := Review{Root: root, ProjectID: ToPublic(projectID)}
	for _, t := range allAssetTypes {
		if assets := data[t]; len(assets) > 0 {
			r.Sections = append(r.Sections, ReviewSection{Type: t, Assets: assets})
		}
	}
	return r
}

// Diffs turns a reviewed extraction into the substitutions MergeToManifest
// applies. Fields without a prod value are left out.
func (r Review) Diffs() Diffs {
	out := Diffs{}
	for _, s := range r.Sections {
		for _, a := range s.Assets {
			for _, f := range a.Fields {
				if IsEmptyValue(f.Prod) {
					continue
				}
				if out[s.Type] == nil {
					out[s.Type] = map[string][]FieldValue{}
				}
				out[s.Type][a.ID] = append(out[s.Type][a.ID], f)
			}
		}
	}
	return out
}
