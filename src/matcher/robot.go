package matcher

import (
	"github.com/go-vgo/robotgo"
)

// RobotClicker moves the pointer and sends a left click through robotgo.
type RobotClicker struct{}

// Click implements Clicker.
func (RobotClicker) Click(x, y int) error {
	robotgo.Move(x, y)
	robotgo.Click("left")
	return nil
}
