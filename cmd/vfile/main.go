// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"log"
	"os"

	"vfile"
)

func main() {
	if err := vfile.Run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
