// Package report renders uartlink banners, run summaries and run history as
// terminal tables.
package report

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"

	"github.com/banshee-data/uartlink/internal/db"
	"github.com/banshee-data/uartlink/internal/serialmux"
	"github.com/banshee-data/uartlink/internal/session"
	"github.com/banshee-data/uartlink/internal/version"
)

func parityName(p string) string {
	switch p {
	case "O":
		return "odd"
	case "E":
		return "even"
	default:
		return "none"
	}
}

func countLabel(n int) string {
	if n == 0 {
		return "until stopped"
	}
	return strconv.Itoa(n)
}

// Banner describes the line and session about to run.
func Banner(device string, line serialmux.LineOptions, cfg session.Config) (string, error) {
	data := pterm.TableData{
		{"Device", device},
		{"Speed", strconv.Itoa(line.BaudRate)},
		{"Bits", strconv.Itoa(line.DataBits)},
		{"Parity", parityName(line.Parity)},
		{"Stop bits", strconv.Itoa(line.StopBits)},
		{"Read timeout", line.ReadTimeout().String()},
		{"Mode", string(cfg.Direction)},
		{"Packet length", strconv.Itoa(cfg.PacketLength)},
		{"Count", countLabel(cfg.Count)},
		{"Delay", cfg.Delay.String()},
	}
	table, err := pterm.DefaultTable.WithData(data).Srender()
	if err != nil {
		return "", err
	}
	return pterm.DefaultSection.Sprint("uartlink "+version.Version) + table + "\n", nil
}

// Summary renders the counters of a finished run.
func Summary(sum session.Summary) (string, error) {
	data := pterm.TableData{{"Counter", "Value"}}
	if sum.Direction == session.DirectionSend {
		data = append(data, []string{"Sent", strconv.Itoa(sum.Sent)})
	} else {
		data = append(data,
			[]string{"Received", strconv.Itoa(sum.Received)},
			[]string{"CRC errors", strconv.Itoa(sum.CRCErrors)},
			[]string{"Sequence gaps", strconv.Itoa(sum.Lost)},
			[]string{"Missing packets", strconv.Itoa(sum.MissingPackets)},
			[]string{"Header errors", strconv.Itoa(sum.HeaderErrors)},
			[]string{"Desynchronized", strconv.FormatBool(sum.Desynchronized)},
		)
	}
	data = append(data,
		[]string{"Bytes", strconv.FormatInt(sum.Bytes, 10)},
		[]string{"Duration", sum.Duration.Round(time.Millisecond).String()},
		[]string{"Throughput", fmt.Sprintf("%.1f B/s", sum.Throughput())},
	)
	if sum.Intervals.Samples > 0 {
		data = append(data,
			[]string{"Interval mean", sum.Intervals.Mean.Round(time.Microsecond).String()},
			[]string{"Interval p95", sum.Intervals.P95.Round(time.Microsecond).String()},
			[]string{"Interval max", sum.Intervals.Max.Round(time.Microsecond).String()},
		)
	}

	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return "", err
	}
	header := pterm.DefaultSection.Sprint("Run " + sum.RunID.String())
	return header + table + "\n" + sum.String() + "\n", nil
}

// History renders stored runs, newest first.
func History(runs []db.Run) (string, error) {
	if len(runs) == 0 {
		return "no runs recorded\n", nil
	}
	data := pterm.TableData{{"Started", "Run", "Device", "Mode", "Frames", "CRC", "Gaps", "Status"}}
	for _, r := range runs {
		frames := r.Received
		if r.Direction == string(session.DirectionSend) {
			frames = r.Sent
		}
		data = append(data, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.RunID.String()[:8],
			r.Device,
			r.Direction,
			strconv.Itoa(frames),
			strconv.Itoa(r.CRCErrors),
			strconv.Itoa(r.Lost),
			r.Status,
		})
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return "", err
	}
	return table + "\n", nil
}
