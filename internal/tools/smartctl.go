package tools

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sigreer/disktui/internal/model"
	"github.com/sigreer/disktui/internal/toolerr"
)

const (
	// json path in smartctl result
	smartExitStatus   = "smartctl.exit_status"
	smartMessages     = "smartctl.messages"
	smartStatusPassed = "smart_status.passed"
	smartTemperature  = "temperature.current"
	smartPowerOnHours = "power_on_time.hours"
	smartATATable     = "ata_smart_attributes.table"
	smartNVMeLog      = "nvme_smart_health_information_log"

	ataReallocatedSectors = 5
)

// smartctl exit status bits, see smartctl(8)
const (
	smartBitCmdLine    = 1 << 0
	smartBitOpenFailed = 1 << 1
	smartBitDiskFail   = 1 << 3
)

// Smartctl reads SMART health
type Smartctl struct {
	base
}

// Health queries the SMART summary of dev. Devices without SMART support
// report Available=false rather than an error.
func (s *Smartctl) Health(ctx context.Context, dev string) (model.HealthReport, error) {
	res, err := s.exec(ctx, "smartctl", []string{"-H", "-A", "--json", dev}, nil)
	if err != nil && infra(err) {
		return model.HealthReport{}, err
	}
	return parseSmartctl(res.Stdout, time.Now())
}

func parseSmartctl(out string, now time.Time) (model.HealthReport, error) {
	if !gjson.Valid(out) {
		return model.HealthReport{}, toolerr.Malformed("smartctl", out, "invalid json format")
	}
	result := gjson.Parse(out)
	report := model.HealthReport{CollectedAt: now}

	status := result.Get(smartExitStatus).Int()
	if status&smartBitCmdLine != 0 {
		return report, toolerr.New(toolerr.InvalidInput, "smartctl", "command line did not parse")
	}
	if status&smartBitOpenFailed != 0 {
		log.WithField("message", firstErrorMessage(result)).Debug("SMART not available")
		return report, nil
	}

	passed := result.Get(smartStatusPassed)
	if !passed.Exists() {
		log.WithField("message", firstErrorMessage(result)).Debug("No SMART status in output")
		return report, nil
	}
	report.Available = true
	report.Passed = passed.Bool() && status&smartBitDiskFail == 0

	if t := result.Get(smartTemperature); t.Exists() {
		v := int(t.Int())
		report.Temperature = &v
	}
	if h := result.Get(smartPowerOnHours); h.Exists() {
		v := h.Int()
		report.PowerOnHours = &v
	}

	attrs := map[string]string{}
	for _, row := range result.Get(smartATATable).Array() {
		attrs[row.Get("name").String()] = row.Get("raw.string").String()
		if row.Get("id").Int() == ataReallocatedSectors {
			v := row.Get("raw.value").Int()
			report.ReallocatedSectors = &v
		}
	}
	result.Get(smartNVMeLog).ForEach(func(key, value gjson.Result) bool {
		if !value.IsArray() && !value.IsObject() {
			attrs[key.String()] = value.String()
		}
		return true
	})
	if len(attrs) > 0 {
		report.Attributes = attrs
	}
	return report, nil
}

func firstErrorMessage(result gjson.Result) string {
	for _, message := range result.Get(smartMessages).Array() {
		if message.Get("severity").String() == "error" {
			return message.Get("string").String()
		}
	}
	return ""
}
