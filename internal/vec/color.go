package vec

// Color цвет RGBA в линейном пространстве, компоненты 0..1
type Color struct {
	R, G, B, A float32
}

// White непрозрачный белый
var White = Color{R: 1, G: 1, B: 1, A: 1}

// Black непрозрачный чёрный
var Black = Color{A: 1}
