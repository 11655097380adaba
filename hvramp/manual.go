package hvramp

import "fmt"

// KeithleyManualRampDown tells the operator how to bring a 6487 to zero
// from its front panel
const KeithleyManualRampDown = `Please ramp down the device manually.
To do so, press the "Config/Local" button and then use the up and down arrow buttons in the "V-SOURCE" box, with gray body colour and a white triangular arrow.
Change which digit to increment with the left and right arrow buttons directly below them, with white body colour and gray arrows.
Once safely ramped down, press the "OPER" button to switch the voltage off.
DO NOT USE THE PURE WHITE "RANGE" BUTTONS!!!`

// IsegManualRampDown tells the operator how to bring an NHQ to zero from its
// front panel
const IsegManualRampDown = `Please ramp down the device manually.
Turn the "V max" potentiometer slowly to zero and wait for the voltage display to read 0.
Only then switch the HV ON/OFF toggle to OFF.`

// ManualInterventionError is returned when no automated path brought the
// output to zero.  Its Instructions must be shown to the operator.
type ManualInterventionError struct {
	Cause        error
	Instructions string
}

func (e *ManualInterventionError) Error() string {
	return fmt.Sprintf("hvramp: automatic ramp-down failed, manual intervention required: %v", e.Cause)
}

func (e *ManualInterventionError) Unwrap() error {
	return e.Cause
}
