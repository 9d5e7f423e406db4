package plugins

import (
	"strings"
	"time"

	"github.com/ggoodman/cgm-relay-go/notify"
	"github.com/ggoodman/cgm-relay-go/storage"
)

// BGNow offers the newest glucose reading and its change from the reading
// before it.
type BGNow struct{}

func (BGNow) Name() string        { return "bgnow" }
func (BGNow) AlwaysEnabled() bool { return true }

// BGNowProperty is offered under "bgnow".
type BGNowProperty struct {
	Mills     int64    `json:"mills"`
	Mean      float64  `json:"mean"`
	Last      float64  `json:"last"`
	Direction string   `json:"direction,omitempty"`
	Delta     *float64 `json:"delta,omitempty"`
}

// bucketGap is how far apart two readings may be for their difference to
// count as a delta.
const bucketGap = 10 * time.Minute

func (BGNow) SetProperties(sbx *Sandbox) {
	sgvs := sbx.Data.Sgvs
	var cur, prev storage.Document
	for i := len(sgvs) - 1; i >= 0; i-- {
		if sgvs[i].Mills() > sbx.Time.UnixMilli() {
			continue
		}
		if _, ok := sgvs[i].Number("sgv"); !ok {
			continue
		}
		if cur == nil {
			cur = sgvs[i]
			continue
		}
		prev = sgvs[i]
		break
	}
	if cur == nil {
		return
	}
	v, _ := cur.Number("sgv")
	p := BGNowProperty{Mills: cur.Mills(), Mean: v, Last: v, Direction: cur.String("direction")}
	if prev != nil && cur.Mills()-prev.Mills() <= bucketGap.Milliseconds() {
		pv, _ := prev.Number("sgv")
		d := v - pv
		p.Delta = &d
	}
	sbx.Offer("bgnow", p)
}

// Announcement raises a notification for recent "Announcement" treatments.
type Announcement struct{}

func (Announcement) Name() string        { return "announcement" }
func (Announcement) AlwaysEnabled() bool { return true }

// announcementWindow is how long an announcement stays active.
const announcementWindow = 60 * time.Minute

func (Announcement) CheckNotifications(sbx *Sandbox) {
	var newest storage.Document
	cutoff := sbx.Time.Add(-announcementWindow).UnixMilli()
	for _, t := range sbx.Data.Treatments {
		if t.String("eventType") != "Announcement" {
			continue
		}
		m := t.Mills()
		if m < cutoff || m > sbx.Time.UnixMilli() {
			continue
		}
		newest = t
	}
	if newest == nil {
		return
	}

	level := notify.Info
	if urgent, _ := newest["urgent"].(bool); urgent {
		level = notify.Urgent
	}
	title := "Announcement"
	if by := strings.TrimSpace(newest.String("enteredBy")); by != "" {
		title += " from " + by
	}
	sbx.Notify("announcement", notify.Notification{
		Level:          level,
		Title:          title,
		Message:        newest.String("notes"),
		Group:          "Announcement",
		IsAnnouncement: true,
		Persistent:     true,
	})
}
