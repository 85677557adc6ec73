package cmd

import (
	"fmt"
)

const banner = `
  _____         _    _                         _
 |_   _|_ _ ___| | _| |__   ___   __ _ _ __ __| |
   | |/ _` + "`" + ` / __| |/ / '_ \ / _ \ / _` + "`" + ` | '__/ _` + "`" + ` |
   | | (_| \__ \   <| |_) | (_) | (_| | | | (_| |
   |_|\__,_|___/_|\_\_.__/ \___/ \__,_|_|  \__,_|

`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Personal Task Management - Version %s\x1b[0m\n\n", Version)
}
