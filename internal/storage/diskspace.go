package storage

import (
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/annel0/worldsave/internal/logging"
)

// checkFreeSpace предупреждает, если на разделе сохранения мало места.
// Сохранение при этом не прерывается.
func checkFreeSpace(path string, minFree uint64, log *logging.Logger) {
	if minFree == 0 {
		return
	}
	usage, err := disk.Usage(path)
	if err != nil {
		log.Debug("не удалось получить свободное место для %s: %v", path, err)
		return
	}
	if usage.Free < minFree {
		log.Warn("⚠️ мало места на диске для сохранения: свободно %d МБ, порог %d МБ",
			usage.Free/1024/1024, minFree/1024/1024)
	}
}
