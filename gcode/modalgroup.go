package gcode

type ModalGroup byte

const (
	ModalGroupNone ModalGroup = iota
	ModalGroupNonModal
	ModalGroupMotion
	ModalGroupPlaneSelection
	ModalGroupDistanceMode
	ModalGroupArcDistanceMode
	ModalGroupFeedRateMode
	ModalGroupUnits
	ModalGroupCutterCompensationMode
	ModalGroupToolLength
	ModalGroupCoordinateSystem
	ModalGroupControlMode
	ModalGroupStopping
	ModalGroupToolChange
	ModalGroupSpindle
	ModalGroupCoolant
	ModalGroupOverride
	ModalGroupFeedRate
)

var gGroups = map[float64]ModalGroup{
	4: ModalGroupNonModal, 10: ModalGroupNonModal, 28: ModalGroupNonModal, 30: ModalGroupNonModal,
	53: ModalGroupNonModal, 92: ModalGroupNonModal, 92.1: ModalGroupNonModal,

	0: ModalGroupMotion, 1: ModalGroupMotion, 2: ModalGroupMotion, 3: ModalGroupMotion,
	38.2: ModalGroupMotion, 38.3: ModalGroupMotion, 38.4: ModalGroupMotion, 38.5: ModalGroupMotion,
	80: ModalGroupMotion,

	17: ModalGroupPlaneSelection, 18: ModalGroupPlaneSelection, 19: ModalGroupPlaneSelection,
	90: ModalGroupDistanceMode, 91: ModalGroupDistanceMode,
	90.1: ModalGroupArcDistanceMode, 91.1: ModalGroupArcDistanceMode,
	93: ModalGroupFeedRateMode, 94: ModalGroupFeedRateMode,
	20: ModalGroupUnits, 21: ModalGroupUnits,
	40: ModalGroupCutterCompensationMode,
	43.1: ModalGroupToolLength, 49: ModalGroupToolLength,
	54: ModalGroupCoordinateSystem, 55: ModalGroupCoordinateSystem, 56: ModalGroupCoordinateSystem,
	57: ModalGroupCoordinateSystem, 58: ModalGroupCoordinateSystem, 59: ModalGroupCoordinateSystem,
	61: ModalGroupControlMode,
}

var mGroups = map[float64]ModalGroup{
	0: ModalGroupStopping, 1: ModalGroupStopping, 2: ModalGroupStopping, 30: ModalGroupStopping,
	6: ModalGroupToolChange,
	3: ModalGroupSpindle, 4: ModalGroupSpindle, 5: ModalGroupSpindle,
	7: ModalGroupCoolant, 8: ModalGroupCoolant, 9: ModalGroupCoolant,
	56: ModalGroupOverride,
}

// ModalGroup returns the GRBL modal group of w, or ModalGroupNone for
// argument words like X or I.
func (w Word) ModalGroup() ModalGroup {
	switch w.W {
	case 'G':
		return gGroups[w.Arg]
	case 'M':
		return mGroups[w.Arg]
	case 'F':
		return ModalGroupFeedRate
	}
	return ModalGroupNone
}
