package notify

import (
	"fmt"
	"strings"
)

// Letter renders the PI notification body. An unknown proprietary period is
// left blank. HIRES programs without a single period list one per CCD.
func Letter(instr, semester, progid, pp string) string {
	instr = strings.ToUpper(instr)

	var b strings.Builder
	fmt.Fprintf(&b, "Dear %s program PI,\n\n", instr)
	fmt.Fprintf(&b, "Your %s data for\n\n", instr)
	fmt.Fprintf(&b, "Semester: %s\n", semester)
	fmt.Fprintf(&b, "Program: %s\n\n", progid)
	b.WriteString("is now being archived in real-time.  The proprietary period for your program, as approved by\n")
	b.WriteString("your Selecting Official, is\n\n")
	if pp != "" || instr != "HIRES" {
		fmt.Fprintf(&b, "%s months\n\n", pp)
	} else {
		for ccd := 1; ccd <= 3; ccd++ {
			fmt.Fprintf(&b, "CCD%d = %s months\n", ccd, pp)
		}
		b.WriteString("\n")
	}
	b.WriteString(letterBody)
	return b.String()
}

const letterBody = `from the date of observation, after which the data will be made public via
KOA.  Policy details can be found at
http://www2.keck.hawaii.edu/koa/public/KOA_data_policy.pdf.

If the proprietary period shown below is not what you expect, please
contact your current Selecting Official.  The most up-to-date list
of Selecting Officials can be found at
http://www2.keck.hawaii.edu/koa/public/soList.html

To access your proprietary data, visit the password-protected
KOA User Interface (UI) at

http://koa.ipac.caltech.edu

If you have forgotten your username or password, or if you would like
to allow your Co-Is access to this program, please submit your request
using the form located at

https://koa.ipac.caltech.edu/applications/Helpdesk

Provide the program ID and the names and email addresses of the
Co-Is.

We encourage you to use the KOA to access your data, and we
welcome any comments and suggestions for improving the archive

About KOA:
Funded by NASA, KOA is a collaborative effort between the W. M.
Keck Observatory and the NASA Exoplanet Science Institute (NExScI)
to build, operate and maintain a data archive for Keck Observatory.

For more information about KOA, please visit

http://www2.keck.hawaii.edu/koa/public/koa.php

Check back regularly for news and updates as they become available.

Sincerely,

The Keck Observatory Archive
koaadmin@keck.hawaii.edu`
