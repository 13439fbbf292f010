package terminal

// Grid operations. Every method here expects t.mu to be held.

func (t *Terminal) autowrap() bool { return t.modes[7] }

func (t *Terminal) putRune(r rune) {
	if r < 0x80 {
		r = t.charsets[t.gl].translate(r)
	}
	w := runeWidth(r)
	if w == 0 {
		t.combine(r)
		return
	}
	if w > 2 {
		w = 2
	}
	if w == 2 && t.cols < 2 {
		w = 1
	}
	if t.wrapNext {
		if t.autowrap() {
			t.cur.Col = 0
			t.lineFeed()
		}
		t.wrapNext = false
	}
	if w == 2 && t.cur.Col == t.cols-1 {
		if t.autowrap() {
			t.lines[t.cur.Row][t.cur.Col] = blankCell(t.rend)
			t.cur.Col = 0
			t.lineFeed()
		} else {
			w = 1
		}
	}
	if t.insertMode {
		t.insertBlanks(w)
	}
	line := t.lines[t.cur.Row]
	t.breakWide(line, t.cur.Col)
	if w == 2 {
		t.breakWide(line, t.cur.Col+1)
	}
	line[t.cur.Col] = Cell{Ch: r, Width: uint8(w), Rend: t.rend}
	if w == 2 {
		line[t.cur.Col+1] = Cell{Width: 0, Rend: t.rend}
	}
	t.lastRune = r
	t.cur.Col += w
	if t.cur.Col >= t.cols {
		t.cur.Col = t.cols - 1
		if t.autowrap() {
			t.wrapNext = true
		}
	}
	t.dirty = true
}

// combine attaches a zero-width rune to the previously written cell.
func (t *Terminal) combine(r rune) {
	col := t.cur.Col
	if !t.wrapNext {
		col--
	}
	line := t.lines[t.cur.Row]
	for col > 0 && line[col].Width == 0 {
		col--
	}
	if col < 0 || line[col].Magic != nil {
		return
	}
	line[col].Comb += string(r)
	t.dirty = true
}

// breakWide blanks the other half of a wide rune about to be overwritten at col.
func (t *Terminal) breakWide(line Line, col int) {
	if col < 0 || col >= len(line) {
		return
	}
	c := line[col]
	if c.Width == 0 && col > 0 && line[col-1].Width == 2 {
		line[col-1] = blankCell(line[col-1].Rend)
	}
	if c.Width == 2 && col+1 < len(line) {
		line[col+1] = blankCell(line[col+1].Rend)
	}
}

func (t *Terminal) placeMagic(m *Magic) {
	if t.wrapNext {
		if t.autowrap() {
			t.cur.Col = 0
			t.lineFeed()
		}
		t.wrapNext = false
	}
	line := t.lines[t.cur.Row]
	t.breakWide(line, t.cur.Col)
	line[t.cur.Col] = Cell{Ch: magicPlaceholder, Width: 1, Rend: t.rend, Magic: m}
	t.cur.Col = 0
	t.lineFeed()
	t.dirty = true
}

func (t *Terminal) lineFeed() {
	t.wrapNext = false
	switch {
	case t.cur.Row == t.bot:
		t.scrollUp(1)
	case t.cur.Row < t.rows-1:
		t.cur.Row++
	}
	t.dirty = true
}

func (t *Terminal) reverseIndex() {
	t.wrapNext = false
	switch {
	case t.cur.Row == t.top:
		t.scrollDown(1)
	case t.cur.Row > 0:
		t.cur.Row--
	}
	t.dirty = true
}

func (t *Terminal) carriageReturn() {
	t.cur.Col = 0
	t.wrapNext = false
}

func (t *Terminal) backspace() {
	if t.wrapNext {
		t.wrapNext = false
		return
	}
	if t.cur.Col > 0 {
		t.cur.Col--
	}
}

// scrollUp shifts the scroll region up by n rows. Rows leaving the top of
// a full-height region on the primary screen go to scrollback.
func (t *Terminal) scrollUp(n int) {
	height := t.bot - t.top + 1
	if n > height {
		n = height
	}
	if n <= 0 {
		return
	}
	if t.top == 0 && !t.altActive {
		for i := 0; i < n; i++ {
			t.pushScrollback(t.lines[i])
		}
	}
	copy(t.lines[t.top:t.bot+1], t.lines[t.top+n:t.bot+1])
	for i := t.bot - n + 1; i <= t.bot; i++ {
		t.lines[i] = newLine(t.cols, t.rend)
	}
	t.dirty = true
}

func (t *Terminal) scrollDown(n int) {
	height := t.bot - t.top + 1
	if n > height {
		n = height
	}
	if n <= 0 {
		return
	}
	copy(t.lines[t.top+n:t.bot+1], t.lines[t.top:t.bot+1-n])
	for i := t.top; i < t.top+n; i++ {
		t.lines[i] = newLine(t.cols, t.rend)
	}
	t.dirty = true
}

func (t *Terminal) pushScrollback(l Line) {
	if t.maxScrollback == 0 {
		return
	}
	t.scrollback = append(t.scrollback, l)
	if over := len(t.scrollback) - t.maxScrollback; over > 0 {
		copy(t.scrollback, t.scrollback[over:])
		for i := t.maxScrollback; i < len(t.scrollback); i++ {
			t.scrollback[i] = nil
		}
		t.scrollback = t.scrollback[:t.maxScrollback]
	}
}

// moveCursor sets an absolute position, 0-based, honouring origin mode.
func (t *Terminal) moveCursor(row, col int) {
	minRow, maxRow := 0, t.rows-1
	if t.origin {
		row += t.top
		minRow, maxRow = t.top, t.bot
	}
	t.cur.Row = clampInt(row, minRow, maxRow)
	t.cur.Col = clampInt(col, 0, t.cols-1)
	t.wrapNext = false
}

// moveRelative moves within the scroll region if the cursor starts inside it.
func (t *Terminal) moveRelative(drow, dcol int) {
	minRow, maxRow := 0, t.rows-1
	if t.cur.Row >= t.top && t.cur.Row <= t.bot {
		minRow, maxRow = t.top, t.bot
	}
	t.cur.Row = clampInt(t.cur.Row+drow, minRow, maxRow)
	t.cur.Col = clampInt(t.cur.Col+dcol, 0, t.cols-1)
	t.wrapNext = false
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (t *Terminal) eraseCells(row, from, to int) {
	if row < 0 || row >= t.rows {
		return
	}
	from = clampInt(from, 0, t.cols)
	to = clampInt(to, 0, t.cols)
	line := t.lines[row]
	if from < to {
		t.breakWide(line, from)
		t.breakWide(line, to-1)
	}
	b := blankCell(t.rend)
	for c := from; c < to; c++ {
		line[c] = b
	}
	t.dirty = true
}

func (t *Terminal) eraseInLine(mode int) {
	switch mode {
	case 0:
		t.eraseCells(t.cur.Row, t.cur.Col, t.cols)
	case 1:
		t.eraseCells(t.cur.Row, 0, t.cur.Col+1)
	case 2:
		t.eraseCells(t.cur.Row, 0, t.cols)
	}
}

func (t *Terminal) eraseInDisplay(mode int) {
	switch mode {
	case 0:
		t.eraseCells(t.cur.Row, t.cur.Col, t.cols)
		for r := t.cur.Row + 1; r < t.rows; r++ {
			t.eraseCells(r, 0, t.cols)
		}
	case 1:
		for r := 0; r < t.cur.Row; r++ {
			t.eraseCells(r, 0, t.cols)
		}
		t.eraseCells(t.cur.Row, 0, t.cur.Col+1)
	case 2:
		for r := 0; r < t.rows; r++ {
			t.eraseCells(r, 0, t.cols)
		}
	case 3:
		t.scrollback = nil
		t.dirty = true
	}
}

func (t *Terminal) insertLines(n int) {
	if t.cur.Row < t.top || t.cur.Row > t.bot {
		return
	}
	top := t.top
	t.top = t.cur.Row
	t.scrollDown(n)
	t.top = top
	t.cur.Col = 0
	t.wrapNext = false
}

func (t *Terminal) deleteLines(n int) {
	if t.cur.Row < t.top || t.cur.Row > t.bot {
		return
	}
	height := t.bot - t.cur.Row + 1
	if n > height {
		n = height
	}
	copy(t.lines[t.cur.Row:t.bot+1], t.lines[t.cur.Row+n:t.bot+1])
	for i := t.bot - n + 1; i <= t.bot; i++ {
		t.lines[i] = newLine(t.cols, t.rend)
	}
	t.cur.Col = 0
	t.wrapNext = false
	t.dirty = true
}

func (t *Terminal) insertBlanks(n int) {
	line := t.lines[t.cur.Row]
	col := t.cur.Col
	if n > t.cols-col {
		n = t.cols - col
	}
	if n <= 0 {
		return
	}
	t.breakWide(line, col)
	copy(line[col+n:], line[col:t.cols-n])
	b := blankCell(t.rend)
	for c := col; c < col+n; c++ {
		line[c] = b
	}
	// a wide rune pushed to the last column loses its continuation
	if line[t.cols-1].Width == 2 {
		line[t.cols-1] = blankCell(line[t.cols-1].Rend)
	}
	t.dirty = true
}

func (t *Terminal) deleteChars(n int) {
	line := t.lines[t.cur.Row]
	col := t.cur.Col
	if n > t.cols-col {
		n = t.cols - col
	}
	if n <= 0 {
		return
	}
	t.breakWide(line, col)
	t.breakWide(line, col+n-1)
	copy(line[col:], line[col+n:])
	b := blankCell(t.rend)
	for c := t.cols - n; c < t.cols; c++ {
		line[c] = b
	}
	t.wrapNext = false
	t.dirty = true
}

func (t *Terminal) setScrollRegion(top, bot int) {
	if top < 0 {
		top = 0
	}
	if bot >= t.rows || bot < 0 {
		bot = t.rows - 1
	}
	if top >= bot {
		return
	}
	t.top, t.bot = top, bot
	t.moveCursor(0, 0)
}

func (t *Terminal) tabForward(n int) {
	for ; n > 0; n-- {
		c := t.cur.Col + 1
		for c < t.cols-1 && !t.tabs[c] {
			c++
		}
		if c > t.cols-1 {
			c = t.cols - 1
		}
		t.cur.Col = c
	}
	t.wrapNext = false
}

func (t *Terminal) tabBackward(n int) {
	for ; n > 0; n-- {
		c := t.cur.Col - 1
		for c > 0 && !t.tabs[c] {
			c--
		}
		if c < 0 {
			c = 0
		}
		t.cur.Col = c
	}
	t.wrapNext = false
}

func (t *Terminal) saveCursor() {
	t.saved = savedCursor{
		row: t.cur.Row, col: t.cur.Col, rend: t.rend, charsets: t.charsets,
		gl: t.gl, origin: t.origin, wrapNext: t.wrapNext, valid: true,
	}
}

func (t *Terminal) restoreCursor() {
	s := t.saved
	if !s.valid {
		t.moveCursor(0, 0)
		t.rend = Rendition{}
		t.origin = false
		return
	}
	t.rend = s.rend
	t.charsets = s.charsets
	t.gl = s.gl
	t.origin = s.origin
	t.cur.Row = clampInt(s.row, 0, t.rows-1)
	t.cur.Col = clampInt(s.col, 0, t.cols-1)
	t.wrapNext = s.wrapNext
}

// enterAltScreen switches to a blank alternate buffer.
func (t *Terminal) enterAltScreen(saveCursor bool) {
	if t.altActive {
		return
	}
	if saveCursor {
		t.saveCursor()
		t.altSaved = t.saved
	}
	t.primary = t.lines
	t.lines = make([]Line, t.rows)
	for i := range t.lines {
		t.lines[i] = newLine(t.cols, Rendition{})
	}
	t.altActive = true
	t.dirty = true
}

func (t *Terminal) leaveAltScreen(restoreCursor bool) {
	if !t.altActive {
		return
	}
	t.lines = t.primary
	t.primary = nil
	t.altActive = false
	if restoreCursor {
		t.saved = t.altSaved
		t.restoreCursor()
	}
	t.dirty = true
}

func (t *Terminal) resizeLocked(rows, cols int) {
	var dropped int
	t.lines, dropped = t.reshape(t.lines, rows, cols, t.cur.Row, !t.altActive)
	t.cur.Row -= dropped
	if t.primary != nil {
		t.primary, _ = t.reshape(t.primary, rows, cols, t.saved.row, false)
	}
	t.rows, t.cols = rows, cols
	t.top, t.bot = 0, rows-1
	t.cur.Row = clampInt(t.cur.Row, 0, rows-1)
	t.cur.Col = clampInt(t.cur.Col, 0, cols-1)
	t.wrapNext = false
	t.resetTabsLocked()
}

// reshape adapts a buffer to rows x cols. When shrinking, rows above
// curRow are dropped first so the cursor line stays visible.
func (t *Terminal) reshape(lines []Line, rows, cols, curRow int, toScrollback bool) ([]Line, int) {
	for i := range lines {
		lines[i] = lines[i].resize(cols)
	}
	drop := 0
	if len(lines) > rows {
		if curRow >= rows {
			drop = curRow - rows + 1
		}
		if toScrollback {
			for i := 0; i < drop; i++ {
				t.pushScrollback(lines[i])
			}
		}
		lines = lines[drop : drop+rows]
	}
	for len(lines) < rows {
		lines = append(lines, newLine(cols, Rendition{}))
	}
	return lines, drop
}
