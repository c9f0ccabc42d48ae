package disk

// PurposeStatus is the JSON representation of PurposeSpaceInfo.
type PurposeStatus struct {
	Purpose          string `json:"purpose"`
	FreeSectors      int64  `json:"freeSectors"`
	TotalSectors     int64  `json:"totalSectors"`
	MaxSectors       int64  `json:"maxSectors"`
	IntentionSectors int64  `json:"intentionSectors"`
	AutoExtendVolume int16  `json:"autoExtendVolume"`
	VolumeCount      int    `json:"volumeCount"`
}

// VolumeStatus is the JSON representation of VolumeSpaceInfo.
type VolumeStatus struct {
	Volume       int16  `json:"volume"`
	Purpose      string `json:"purpose"`
	Type         string `json:"type"`
	Path         string `json:"path"`
	FreeSectors  int64  `json:"freeSectors"`
	TotalSectors int64  `json:"totalSectors"`
	MaxSectors   int64  `json:"maxSectors"`
}

// StatusReport describes the space of all volumes of a database in a
// form that can be converted to JSON.
type StatusReport struct {
	Purposes             []PurposeStatus `json:"purposes"`
	CarveOutFreeSectors  int64           `json:"carveOutFreeSectors"`
	CarveOutTotalSectors int64           `json:"carveOutTotalSectors"`
	Volumes              []VolumeStatus  `json:"volumes"`
}

// NewVolumeStatus converts the space accounting of a single volume.
func NewVolumeStatus(v VolumeSpaceInfo) VolumeStatus {
	return VolumeStatus{
		Volume:       int16(v.Volume),
		Purpose:      v.Purpose.String(),
		Type:         v.Type.String(),
		Path:         v.Path,
		FreeSectors:  v.FreeSectors,
		TotalSectors: v.TotalSectors,
		MaxSectors:   v.MaxSectors,
	}
}

// NewStatusReport converts a snapshot of the Cache to a StatusReport.
func NewStatusReport(snapshot CacheSnapshot) StatusReport {
	report := StatusReport{
		Purposes:             make([]PurposeStatus, 0, len(snapshot.Purposes)),
		CarveOutFreeSectors:  snapshot.CarveOutFreeSectors,
		CarveOutTotalSectors: snapshot.CarveOutTotalSectors,
		Volumes:              make([]VolumeStatus, 0, len(snapshot.Volumes)),
	}
	for i, p := range snapshot.Purposes {
		report.Purposes = append(report.Purposes, PurposeStatus{
			Purpose:          Purpose(i).String(),
			FreeSectors:      p.FreeSectors,
			TotalSectors:     p.TotalSectors,
			MaxSectors:       p.MaxSectors,
			IntentionSectors: p.IntentionSectors,
			AutoExtendVolume: int16(p.AutoExtendVolume),
			VolumeCount:      p.VolumeCount,
		})
	}
	for _, v := range snapshot.Volumes {
		report.Volumes = append(report.Volumes, NewVolumeStatus(v))
	}
	return report
}
