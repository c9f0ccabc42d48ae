package disk

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cachePurposeSectorsDesc = prometheus.NewDesc(
		"buildbarn_disk_cache_purpose_sectors",
		"Number of sectors of all volumes storing data of a given purpose.",
		[]string{"purpose", "state"},
		nil)
	cachePurposeVolumesDesc = prometheus.NewDesc(
		"buildbarn_disk_cache_purpose_volumes",
		"Number of volumes storing data of a given purpose.",
		[]string{"purpose"},
		nil)
	cacheVolumeSectorsDesc = prometheus.NewDesc(
		"buildbarn_disk_cache_volume_sectors",
		"Number of sectors of a single volume.",
		[]string{"volume", "purpose", "type", "state"},
		nil)
)

type cacheCollector struct {
	cache *Cache
}

// NewCacheCollector creates a Prometheus collector that exposes the
// free, total and maximum number of sectors tracked by a Cache, both
// per purpose and per volume.
func NewCacheCollector(cache *Cache) prometheus.Collector {
	return &cacheCollector{
		cache: cache,
	}
}

func (c *cacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cachePurposeSectorsDesc
	ch <- cachePurposeVolumesDesc
	ch <- cacheVolumeSectorsDesc
}

func (c *cacheCollector) Collect(ch chan<- prometheus.Metric) {
	snapshot := c.cache.Snapshot()
	for i, p := range snapshot.Purposes {
		purpose := Purpose(i).String()
		ch <- prometheus.MustNewConstMetric(cachePurposeSectorsDesc, prometheus.GaugeValue, float64(p.FreeSectors), purpose, "free")
		ch <- prometheus.MustNewConstMetric(cachePurposeSectorsDesc, prometheus.GaugeValue, float64(p.TotalSectors), purpose, "total")
		ch <- prometheus.MustNewConstMetric(cachePurposeSectorsDesc, prometheus.GaugeValue, float64(p.MaxSectors), purpose, "max")
		ch <- prometheus.MustNewConstMetric(cachePurposeVolumesDesc, prometheus.GaugeValue, float64(p.VolumeCount), purpose)
	}
	for _, v := range snapshot.Volumes {
		volume := strconv.FormatInt(int64(v.Volume), 10)
		purpose, volumeType := v.Purpose.String(), v.Type.String()
		ch <- prometheus.MustNewConstMetric(cacheVolumeSectorsDesc, prometheus.GaugeValue, float64(v.FreeSectors), volume, purpose, volumeType, "free")
		ch <- prometheus.MustNewConstMetric(cacheVolumeSectorsDesc, prometheus.GaugeValue, float64(v.TotalSectors), volume, purpose, volumeType, "total")
		ch <- prometheus.MustNewConstMetric(cacheVolumeSectorsDesc, prometheus.GaugeValue, float64(v.MaxSectors), volume, purpose, volumeType, "max")
	}
}
