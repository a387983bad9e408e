package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"xnat-ingest-go/internal/config"
	"xnat-ingest-go/internal/dicomtest"
)

// 测试共用的配置与数据构造函数

func classifyConfig() config.ClassifyConfig {
	return config.ClassifyConfig{
		DicomExtensions:    []string{".dcm", ".ima"},
		ListModeExtensions: []string{".ptd", ".lm"},
		IgnoreExtensions:   []string{".txt", ".xml"},
		ListModeSignatures: []string{dicomtest.ListModeSignature},
		ProbeBytes:         1024,
	}
}

func groupingConfig() config.GroupingConfig {
	return config.GroupingConfig{
		WindowBefore:     10 * time.Minute,
		WindowAfter:      10 * time.Minute,
		TieBreak:         TieBreakNearest,
		TimestampPattern: `(\d{4})\.(\d{2})\.(\d{2})\.(\d{2})\.(\d{2})\.(\d{2})`,
	}
}

// pet 返回 subject A、study S1 下某个序列的实例。
func pet(subject, study, series, number, acq, sop string) dicomtest.Instance {
	return dicomtest.Instance{
		SOPInstanceUID:      sop,
		PatientID:           subject,
		PatientName:         "DOE^JANE",
		PatientBirthDate:    "19800517",
		StudyInstanceUID:    study,
		SeriesInstanceUID:   series,
		SeriesNumber:        number,
		SeriesDescription:   "PET AC",
		Modality:            "PT",
		AcquisitionDateTime: acq,
		AccessionNumber:     "ACC123",
		InstitutionName:     "General Hospital",
	}
}

func writeCorrupt(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 128)
	data = append(data, []byte("DICM")...)
	// 截断的 meta 元素
	data = append(data, 0x02, 0x00, 0x00, 0x00, 'U', 'L', 0x04, 0x00, 0x01)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}
