// Package bambu implements the printer driver for Bambu Lab printers:
// status over MQTT (TLS :8883, bblp/access-code auth) and files over FTP
// with implicit TLS.
package bambu

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"printernizer/printers"
)

// Temperature thresholds for inferring an active print when the vendor state
// string is unreliable.
const (
	nozzlePrintingThreshold = 170.0
	bedPrintingThreshold    = 40.0
)

// report mirrors the JSON published on device/{serial}/report. Only the
// fields the driver consumes are declared.
type report struct {
	Print *printReport `json:"print"`
}

type printReport struct {
	GcodeState       string      `json:"gcode_state"`
	GcodeFile        string      `json:"gcode_file"`
	SubtaskName      string      `json:"subtask_name"`
	NozzleTemper     *float64    `json:"nozzle_temper"`
	BedTemper        *float64    `json:"bed_temper"`
	ChamberTemper    *float64    `json:"chamber_temper"`
	McPercent        *int        `json:"mc_percent"`
	PrintPercent     *int        `json:"print_percent"`
	McRemainingTime  *int        `json:"mc_remaining_time"` // minutes
	McPrintTime      *int        `json:"mc_print_time"`     // seconds
	GcodeStartTime   json.Number `json:"gcode_start_time"`
	McPrintErrorCode string      `json:"mc_print_error_code"`
	PrintError       int         `json:"print_error"`
	AMS              *amsReport  `json:"ams"`
	VtTray           *trayReport `json:"vt_tray"`
}

type amsReport struct {
	AMS []amsUnit `json:"ams"`
}

type amsUnit struct {
	ID   json.Number  `json:"id"`
	Tray []trayReport `json:"tray"`
}

type trayReport struct {
	ID       json.Number `json:"id"`
	TrayType string      `json:"tray_type"`
	TrayColor string     `json:"tray_color"` // RRGGBBAA
}

// mergeReport folds a partial report into the accumulated full state. Bambu
// printers push deltas after the initial pushall, so absent fields keep
// their previous values.
func mergeReport(dst, src *printReport) {
	if src.GcodeState != "" {
		dst.GcodeState = src.GcodeState
	}
	if src.GcodeFile != "" {
		dst.GcodeFile = src.GcodeFile
	}
	if src.SubtaskName != "" {
		dst.SubtaskName = src.SubtaskName
	}
	if src.NozzleTemper != nil {
		dst.NozzleTemper = src.NozzleTemper
	}
	if src.BedTemper != nil {
		dst.BedTemper = src.BedTemper
	}
	if src.ChamberTemper != nil {
		dst.ChamberTemper = src.ChamberTemper
	}
	if src.McPercent != nil {
		dst.McPercent = src.McPercent
	}
	if src.PrintPercent != nil {
		dst.PrintPercent = src.PrintPercent
	}
	if src.McRemainingTime != nil {
		dst.McRemainingTime = src.McRemainingTime
	}
	if src.McPrintTime != nil {
		dst.McPrintTime = src.McPrintTime
	}
	if src.GcodeStartTime != "" {
		dst.GcodeStartTime = src.GcodeStartTime
	}
	if src.McPrintErrorCode != "" {
		dst.McPrintErrorCode = src.McPrintErrorCode
	}
	if src.PrintError != 0 {
		dst.PrintError = src.PrintError
	}
	if src.AMS != nil {
		dst.AMS = src.AMS
	}
	if src.VtTray != nil {
		dst.VtTray = src.VtTray
	}
}

// normalizeColor collapses RRGGBBAA to #RRGGBB. All-zero means absent.
func normalizeColor(c string) string {
	c = strings.TrimPrefix(strings.TrimSpace(c), "#")
	if len(c) < 6 {
		return ""
	}
	rgb := strings.ToUpper(c[:6])
	if rgb == "000000" && (len(c) < 8 || c[6:8] == "00") {
		return ""
	}
	return "#" + rgb
}

func parseFilaments(p *printReport) []printers.Filament {
	var filaments []printers.Filament
	if p.AMS != nil {
		for i, unit := range p.AMS.AMS {
			unitIdx := i
			if v, err := unit.ID.Int64(); err == nil {
				unitIdx = int(v)
			}
			for j, tray := range unit.Tray {
				trayIdx := j
				if v, err := tray.ID.Int64(); err == nil {
					trayIdx = int(v)
				}
				color := normalizeColor(tray.TrayColor)
				material := strings.TrimSpace(tray.TrayType)
				if color == "" && material == "" {
					continue
				}
				filaments = append(filaments, printers.Filament{
					Slot:         unitIdx*4 + trayIdx,
					Color:        color,
					MaterialType: material,
				})
			}
		}
	}
	if p.VtTray != nil {
		color := normalizeColor(p.VtTray.TrayColor)
		material := strings.TrimSpace(p.VtTray.TrayType)
		// External spool entries with neither type nor color are noise.
		if color != "" || material != "" {
			filaments = append(filaments, printers.Filament{
				Slot:         printers.ExternalSpoolSlot,
				Color:        color,
				MaterialType: material,
			})
		}
	}
	return filaments
}

func (p *printReport) progress() int {
	if p.McPercent != nil {
		return *p.McPercent
	}
	if p.PrintPercent != nil {
		return *p.PrintPercent
	}
	return 0
}

// inferPhase maps the vendor state string to a normalized phase. PRINTING is
// trusted only while progress is strictly between 0 and 100; otherwise the
// temperatures decide.
func (p *printReport) inferPhase() printers.Phase {
	progress := p.progress()
	switch strings.ToUpper(p.GcodeState) {
	case "RUNNING", "PRINTING", "PREPARE":
		if progress > 0 && progress < 100 {
			return printers.PhasePrinting
		}
		return p.phaseFromTemperatures()
	case "PAUSE", "PAUSED":
		return printers.PhasePaused
	case "FAILED":
		return printers.PhaseError
	case "FINISH", "IDLE":
		return printers.PhaseOnline
	case "":
		return printers.PhaseUnknown
	default:
		return p.phaseFromTemperatures()
	}
}

func (p *printReport) phaseFromTemperatures() printers.Phase {
	if p.NozzleTemper != nil && p.BedTemper != nil &&
		*p.NozzleTemper > nozzlePrintingThreshold && *p.BedTemper > bedPrintingThreshold {
		return printers.PhasePrinting
	}
	return printers.PhaseOnline
}

// toStatusUpdate converts the accumulated report into the normalized status.
func (p *printReport) toStatusUpdate(printerID string, at time.Time) *printers.StatusUpdate {
	phase := p.inferPhase()
	update := &printers.StatusUpdate{
		PrinterID: printerID,
		At:        at,
		Phase:     phase,
		Temperatures: printers.Temperatures{
			Nozzle:  p.NozzleTemper,
			Bed:     p.BedTemper,
			Chamber: p.ChamberTemper,
		},
		ProgressPercent: clampPercent(p.progress()),
		Filaments:       parseFilaments(p),
	}

	jobName := p.SubtaskName
	if jobName == "" {
		jobName = p.GcodeFile
	}
	if jobName == "" && phase == printers.PhasePrinting {
		jobName = fmt.Sprintf("print-%s", at.Format("20060102-150405"))
	}
	update.CurrentJobName = jobName

	if p.McRemainingTime != nil {
		v := *p.McRemainingTime
		update.RemainingMin = &v
	}
	if p.McPrintTime != nil {
		v := *p.McPrintTime / 60
		update.ElapsedMin = &v
	}
	if p.GcodeStartTime != "" {
		if secs, err := p.GcodeStartTime.Int64(); err == nil && secs > 0 {
			started := time.Unix(secs, 0).UTC()
			update.StartedAt = &started
			if update.ElapsedMin == nil {
				elapsed := int(at.Sub(started).Minutes())
				if elapsed >= 0 {
					update.ElapsedMin = &elapsed
				}
			}
		}
	}
	if update.RemainingMin != nil {
		end := at.Add(time.Duration(*update.RemainingMin) * time.Minute)
		update.EstimatedEndAt = &end
	}

	switch {
	case p.McPrintErrorCode != "" && p.McPrintErrorCode != "0":
		update.Phase = printers.PhaseError
		update.Message = "print error " + p.McPrintErrorCode
	case phase == printers.PhasePrinting:
		update.Message = "printing " + jobName
	case strings.EqualFold(p.GcodeState, "FINISH"):
		update.Message = "print finished"
	}
	return update
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
