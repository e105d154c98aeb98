package main

import (
	"slices"
	"sync"
	"time"

	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/controller"
)

const maxActivity = 200

// activity is the recent history of the farm, rebuilt from controller events. Instance lists
// and usage are read from the controllers directly.
var activity []api.Activity
var activityMutex sync.RWMutex

// listenEvents records the events of one controller. It exits when the subscription is closed.
func listenEvents(cloud string, c <-chan controller.Event) {
	for event := range c {
		entry := api.Activity{At: time.Now(), Cloud: cloud}

		switch event := event.(type) {
		case controller.EventInstanceRequested:
			entry.Event = "requested"
			entry.Instance = event.Instance
			entry.Template = event.Template
		case controller.EventInstanceStateChanged:
			entry.Event = "state-changed"
			entry.Instance = event.Instance
			entry.InstanceID = event.InstanceID
			entry.From = event.From
			entry.To = event.To
			entry.Error = event.Error
		case controller.EventInstanceAdopted:
			entry.Event = "adopted"
			entry.Instance = event.Instance
			entry.InstanceID = event.InstanceID
			entry.Template = event.Template
			entry.To = event.State
		case controller.EventInstanceRemoved:
			entry.Event = "removed"
			entry.Instance = event.Instance
			entry.InstanceID = event.InstanceID
		default:
			continue
		}

		activityMutex.Lock()
		activity = append(activity, entry)
		if len(activity) > maxActivity {
			activity = slices.Clone(activity[len(activity)-maxActivity:])
		}
		activityMutex.Unlock()
	}
}

// recentActivity returns the latest entries, newest first.
func recentActivity(limit int) []api.Activity {
	activityMutex.RLock()
	defer activityMutex.RUnlock()

	recent := slices.Clone(activity[max(len(activity)-limit, 0):])
	slices.Reverse(recent)
	return recent
}
