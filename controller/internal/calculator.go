package internal

import "math"

// InstancesToLaunch returns how many instances to launch for a workload, given the
// instances already existing and those still on their way. The result may be negative.
func InstancesToLaunch(maxInstances, executorsPerInstance, workload, existingInstances, incomingInstances int) int {
	incomingCapacity := incomingInstances * executorsPerInstance
	requiredInstances := math.Ceil(float64(workload-incomingCapacity) / float64(executorsPerInstance))
	maximumMoreInstances := float64(maxInstances - existingInstances - incomingInstances)

	return int(math.Min(requiredInstances, maximumMoreInstances))
}
